// Package tui is the thin terminal view over the controller: it
// renders controller state and translates keys into intents. All mail
// logic lives behind the controller façade.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailterm/internal/controller"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/status"
)

// viewState is the active screen.
type viewState int

const (
	viewMessageList viewState = iota
	viewMessage
	viewFolders
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	unseenStyle   = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// eventMsg wraps a controller event for the Bubble Tea runtime.
type eventMsg controller.Event

// Model is the root Bubble Tea model.
type Model struct {
	ctrl *controller.Controller
	stat *status.Status

	state      viewState
	cursor     int
	folderCur  int
	width      int
	height     int
	dialogMsg  string
	viewingUID uint32
}

// New creates the root view model.
func New(ctrl *controller.Controller, stat *status.Status) Model {
	return Model{ctrl: ctrl, stat: stat}
}

// Init subscribes to controller events.
func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

// waitForEvent returns a command yielding the next controller event.
func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.ctrl.Events()
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

// Update routes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case eventMsg:
		if msg.Kind == controller.EventDialog {
			m.dialogMsg = msg.Message
		}
		return m, m.waitForEvent()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.dialogMsg = ""

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "j", "down":
		m.cursor++
		m.clampCursor()

	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}

	case "g":
		m.state = viewFolders
		m.folderCur = 0

	case "enter":
		switch m.state {
		case viewFolders:
			folders := m.ctrl.Folders()
			if m.folderCur < len(folders) {
				m.ctrl.SelectFolder(folders[m.folderCur])
				m.cursor = 0
			}
			m.state = viewMessageList

		case viewMessageList:
			if uid, ok := m.cursorUID(); ok {
				m.viewingUID = uid
				m.ctrl.ViewMessage(uid)
				m.state = viewMessage
			}
		}

	case "esc":
		m.state = viewMessageList

	case " ":
		if uid, ok := m.cursorUID(); ok {
			m.ctrl.ToggleSelect(uid)
			m.cursor++
			m.clampCursor()
		}

	case "d":
		if uid, ok := m.cursorUID(); ok {
			m.ctrl.Delete(uid)
			m.clampCursor()
		}

	case "u":
		if uid, ok := m.cursorUID(); ok {
			seen := m.ctrl.Flags(m.ctrl.CurrentFolder(), uid).Seen()
			m.ctrl.SetSeen([]uint32{uid}, !seen)
		}

	case "s":
		m.ctrl.SetSortFilter(model.SortDateDesc, 0)

	case "c":
		m.ctrl.StartCompose()

	case "r":
		if uid, ok := m.cursorUID(); ok {
			m.ctrl.StartReply(m.ctrl.CurrentFolder(), uid, false)
		}

	case "f":
		if uid, ok := m.cursorUID(); ok {
			m.ctrl.StartForward(m.ctrl.CurrentFolder(), uid)
		}
	}

	return m, nil
}

func (m *Model) cursorUID() (uint32, bool) {
	uids := m.ctrl.DisplayUids(m.ctrl.CurrentFolder())
	if m.cursor < 0 || m.cursor >= len(uids) {
		return 0, false
	}
	return uids[m.cursor], true
}

func (m *Model) clampCursor() {
	uids := m.ctrl.DisplayUids(m.ctrl.CurrentFolder())
	if m.cursor >= len(uids) {
		m.cursor = len(uids) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// View renders the active screen.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.statusLine()))
	b.WriteString("\n")

	switch m.state {
	case viewFolders:
		m.renderFolders(&b)
	case viewMessage:
		m.renderMessage(&b)
	default:
		m.renderMessageList(&b)
	}

	if m.dialogMsg != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(m.dialogMsg))
	}

	return b.String()
}

func (m Model) statusLine() string {
	folder := m.ctrl.CurrentFolder()
	flags := m.stat.Flags()

	state := "offline"
	switch {
	case flags&status.FlagConnecting != 0:
		state = "connecting"
	case flags&status.FlagConnected != 0:
		state = "online"
	}

	mode := m.ctrl.SortFilter(folder)
	if mode != model.SortDefault {
		return fmt.Sprintf("Folder: %s [%s] (%s)", folder, mode, state)
	}
	return fmt.Sprintf("Folder: %s (%s)", folder, state)
}

func (m Model) renderFolders(b *strings.Builder) {
	for i, folder := range m.ctrl.Folders() {
		line := "  " + folder
		if i == m.folderCur {
			line = selectedStyle.Render("> " + folder)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func (m Model) renderMessageList(b *strings.Builder) {
	folder := m.ctrl.CurrentFolder()
	uids := m.ctrl.DisplayUids(folder)
	selected := make(map[uint32]bool)
	for _, uid := range m.ctrl.SelectedUids(folder) {
		selected[uid] = true
	}

	for i, uid := range uids {
		header, _ := m.ctrl.Header(folder, uid)
		flags := m.ctrl.Flags(folder, uid)

		marker := " "
		if selected[uid] {
			marker = "*"
		}

		line := fmt.Sprintf("%s %-16s %-20s %s",
			marker, header.DateTime, clip(header.ShortFrom(), 20),
			header.Subject)

		style := lipgloss.NewStyle()
		if !flags.Seen() {
			style = unseenStyle
		}
		if i == m.cursor {
			style = selectedStyle
		}

		b.WriteString(style.Render(clip(line, max(m.width, 20))))
		b.WriteString("\n")
	}
}

func (m Model) renderMessage(b *strings.Builder) {
	folder := m.ctrl.CurrentFolder()

	header, _ := m.ctrl.Header(folder, m.viewingUID)
	b.WriteString(dimStyle.Render("From: " + strings.Join(header.From, ", ")))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Subject: " + header.Subject))
	b.WriteString("\n\n")

	if body, ok := m.ctrl.Body(folder, m.viewingUID); ok {
		b.WriteString(body.ViewText())
	} else {
		b.WriteString(dimStyle.Render("Fetching message..."))
	}
	b.WriteString("\n")
}

func clip(s string, width int) string {
	if width > 0 && len(s) > width {
		return s[:width]
	}
	return s
}

package controller

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/smtpmgr"
)

// composeState tracks an in-progress compose buffer and its periodic
// backup timer.
type composeState struct {
	mu      sync.Mutex
	active  bool
	draft   smtpmgr.Compose
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// StartCompose opens a fresh compose buffer.
func (c *Controller) StartCompose() {
	c.beginCompose(smtpmgr.Compose{From: c.fromAddress()})
}

// StartReply opens a compose buffer pre-filled as a reply to the
// referenced message. replyAll includes the original To/Cc lists.
func (c *Controller) StartReply(folder string, uid uint32, replyAll bool) {
	header, ok := c.Header(folder, uid)
	if !ok {
		c.dialog("Message header not available")
		return
	}

	draft := smtpmgr.Compose{
		From:          c.fromAddress(),
		Subject:       replyPrefix(header.Subject, "Re:"),
		RefMsgID:      header.MessageID,
		RefReferences: header.References,
	}

	if len(header.ReplyTo) > 0 {
		draft.To = header.ReplyTo
	} else {
		draft.To = header.From
	}

	if replyAll {
		draft.To = append(draft.To, header.To...)
		draft.Cc = append(draft.Cc, header.Cc...)
	}

	if body, ok := c.Body(folder, uid); ok {
		draft.Body = quoteBody(header, body.ViewText())
	}

	c.beginCompose(draft)
}

// StartForward opens a compose buffer pre-filled as a forward.
func (c *Controller) StartForward(folder string, uid uint32) {
	header, ok := c.Header(folder, uid)
	if !ok {
		c.dialog("Message header not available")
		return
	}

	draft := smtpmgr.Compose{
		From:    c.fromAddress(),
		Subject: replyPrefix(header.Subject, "Fwd:"),
	}

	if body, ok := c.Body(folder, uid); ok {
		draft.Body = "\n---------- Forwarded message ----------\n" +
			body.ViewText()
	}

	c.beginCompose(draft)
}

func (c *Controller) beginCompose(draft smtpmgr.Compose) {
	c.compose.mu.Lock()
	c.compose.active = true
	c.compose.draft = draft
	c.compose.mu.Unlock()

	c.startComposeBackup()
	c.redraw()
}

// UpdateCompose replaces the compose buffer; called by the view as
// the user edits.
func (c *Controller) UpdateCompose(draft smtpmgr.Compose) {
	c.compose.mu.Lock()
	c.compose.draft = draft
	c.compose.mu.Unlock()
}

// ComposeDraft returns the compose buffer.
func (c *Controller) ComposeDraft() (smtpmgr.Compose, bool) {
	c.compose.mu.Lock()
	defer c.compose.mu.Unlock()
	return c.compose.draft, c.compose.active
}

// startComposeBackup runs the periodic compose backup: every
// configured interval the buffer is assembled and pushed to the
// backup queue, so a crash loses at most one interval of typing.
func (c *Controller) startComposeBackup() {
	interval := time.Duration(c.cfg.ComposeBackupInterval) * time.Second
	if interval <= 0 {
		return
	}

	c.compose.mu.Lock()
	if c.compose.stopCh != nil {
		c.compose.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	c.compose.stopCh = stopCh
	c.compose.stopped.Add(1)
	c.compose.mu.Unlock()

	go func() {
		defer c.compose.stopped.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.backupCompose()
			}
		}
	}()
}

func (c *Controller) backupCompose() {
	draft, active := c.ComposeDraft()
	if !active {
		return
	}

	blob, err := c.smtp.CreateMessage(draft)
	if err != nil {
		log.WithError(err).Debug("assembling compose backup")
		return
	}

	if err := c.queue.PushComposeBackup(blob); err != nil {
		log.WithError(err).Warn("pushing compose backup")
	}
}

func (c *Controller) stopComposeBackup() {
	c.compose.mu.Lock()
	stopCh := c.compose.stopCh
	c.compose.stopCh = nil
	c.compose.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		c.compose.stopped.Wait()
	}
}

// EndCompose closes the compose buffer, discarding accumulated
// backups: either the message was sent or the user abandoned it.
func (c *Controller) EndCompose() {
	c.stopComposeBackup()

	c.compose.mu.Lock()
	c.compose.active = false
	c.compose.draft = smtpmgr.Compose{}
	c.compose.mu.Unlock()

	if _, err := c.queue.PopComposeBackups(); err != nil {
		log.WithError(err).Warn("discarding compose backups")
	}
}

// SendCompose dispatches the compose buffer: online through the SMTP
// worker, offline through create-message plus the outbox queue.
func (c *Controller) SendCompose() {
	draft, active := c.ComposeDraft()
	if !active {
		return
	}

	if !strings.Contains(strings.Join(draft.To, ","), "@") &&
		!strings.Contains(strings.Join(draft.Cc, ","), "@") &&
		!strings.Contains(strings.Join(draft.Bcc, ","), "@") {
		c.dialog("No recipients specified")
		return
	}

	if c.imap.Connected() {
		c.smtp.AsyncAction(smtpmgr.Action{
			IsSendMessage: true,
			Compose:       draft,
		})
	} else {
		blob, err := c.smtp.CreateMessage(draft)
		if err != nil {
			c.dialog("Failed to assemble message: " + err.Error())
			return
		}
		if err := c.queue.PushOutbox(blob); err != nil {
			c.dialog("Failed to queue message: " + err.Error())
			return
		}
		c.dialog("Offline: message queued for sending")
	}

	c.EndCompose()
}

// SaveComposeAsDraft uploads the compose buffer to the drafts folder.
func (c *Controller) SaveComposeAsDraft() {
	draft, active := c.ComposeDraft()
	if !active {
		return
	}

	blob, err := c.smtp.CreateMessage(draft)
	if err != nil {
		c.dialog("Failed to assemble draft: " + err.Error())
		return
	}

	c.mu.Lock()
	c.hasRequestedUids[c.cfg.Drafts] = false
	c.mu.Unlock()

	c.imap.AsyncAction(model.Action{
		Folder:      c.cfg.Drafts,
		UploadDraft: true,
		Message:     blob,
	})

	c.EndCompose()
}

// HandleSMTPResult reacts to one SMTP result. On success the sent
// message is optionally uploaded to the Sent folder; permanent
// failures wait for the user's draft-or-outbox decision, transient
// ones queue to the outbox directly.
func (c *Controller) HandleSMTPResult(
	action smtpmgr.Action, result smtpmgr.Result,
) {
	if action.IsCreateMessage {
		return
	}

	if result.OK {
		if c.cfg.ClientStoreSent && len(result.Message) > 0 {
			c.mu.Lock()
			c.hasRequestedUids[c.cfg.Sent] = false
			c.mu.Unlock()

			c.imap.AsyncAction(model.Action{
				Folder:        c.cfg.Sent,
				UploadMessage: true,
				Message:       result.Message,
			})
		}
		c.dialog("Message sent")
		c.redraw()
		return
	}

	if result.Permanent {
		c.mu.Lock()
		c.pendingFailed = result.Message
		c.mu.Unlock()
		c.dialog("Send rejected by server; save as draft or queue?")
		return
	}

	if len(result.Message) > 0 {
		if err := c.queue.PushOutbox(result.Message); err != nil {
			log.WithError(err).Warn("queueing failed send")
			c.dialog("Send failed and could not be queued")
			return
		}
	}
	c.dialog("Send failed; message queued for retry")
}

// ResolveFailedSend applies the user's decision for a permanently
// rejected message.
func (c *Controller) ResolveFailedSend(saveAsDraft bool) {
	c.mu.Lock()
	blob := c.pendingFailed
	c.pendingFailed = nil
	c.mu.Unlock()

	if len(blob) == 0 {
		return
	}

	if saveAsDraft {
		c.mu.Lock()
		c.hasRequestedUids[c.cfg.Drafts] = false
		c.mu.Unlock()

		c.imap.AsyncAction(model.Action{
			Folder:      c.cfg.Drafts,
			UploadDraft: true,
			Message:     blob,
		})
		return
	}

	if err := c.queue.PushOutbox(blob); err != nil {
		log.WithError(err).Warn("queueing rejected send")
	}
}

func (c *Controller) fromAddress() string {
	if c.cfg.Name != "" {
		return c.cfg.Name + " <" + c.cfg.Address + ">"
	}
	return c.cfg.Address
}

func replyPrefix(subject, prefix string) string {
	if strings.HasPrefix(strings.ToLower(subject),
		strings.ToLower(prefix)) {
		return subject
	}
	return prefix + " " + subject
}

func quoteBody(header model.Header, text string) string {
	var out strings.Builder
	out.WriteString("\n\nOn ")
	out.WriteString(header.Timestamp)
	out.WriteString(" ")
	out.WriteString(header.ShortFrom())
	out.WriteString(" wrote:\n")
	for _, line := range strings.Split(text, "\n") {
		out.WriteString("> ")
		out.WriteString(line)
		out.WriteString("\n")
	}
	return out.String()
}

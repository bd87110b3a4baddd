package imapmgr

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/config"
	"github.com/nhle/mailterm/internal/model"
)

// ConnState is the connection state machine of one session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSelecting
	StateIdle
	StateBusy
	StateIdling
	StateDisconnecting
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSelecting:
		return "selecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateIdling:
		return "idling"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// ErrLoginFailed marks an authentication rejection, which stops the
// reconnect loop until the user re-auths.
var ErrLoginFailed = fmt.Errorf("login failed")

// Session owns one IMAP connection. It is driven by exactly one
// worker goroutine; no other goroutine touches its socket.
type Session struct {
	cfg    *config.Config
	client *imapclient.Client

	state    ConnState
	selected string
	validity uint32
	idleCmd  *imapclient.IdleCommand

	hasMove    bool
	hasIdle    bool
	hasUIDPlus bool

	// notifyCh is signaled on unilateral mailbox updates (such as
	// EXISTS) and EXPUNGE responses while idling. Unilateral FETCH
	// responses do not signal it.
	notifyCh chan struct{}

	onState func(old, new ConnState)
}

// NewSession creates a disconnected session. onState, when non-nil,
// observes every state transition.
func NewSession(cfg *config.Config, onState func(old, new ConnState)) *Session {
	return &Session{
		cfg:      cfg,
		notifyCh: make(chan struct{}, 1),
		onState:  onState,
	}
}

func (s *Session) setState(state ConnState) {
	if s.state == state {
		return
	}
	old := s.state
	s.state = state
	log.Debugf("imap session %s -> %s", old, state)
	if s.onState != nil {
		s.onState(old, state)
	}
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return s.state
}

func (s *Session) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Connect dials, authenticates and selects the default folder,
// walking the state machine Connecting -> Authenticating -> Selecting
// -> Idle. Authentication rejection returns ErrLoginFailed.
func (s *Session) Connect() error {
	s.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", s.cfg.IMAPHost, s.cfg.IMAPPort)
	tlsConfig := &tls.Config{
		ServerName: s.cfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}
	opts := &imapclient.Options{
		TLSConfig: tlsConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(_ *imapclient.UnilateralDataMailbox) {
				s.notify()
			},
			Expunge: func(_ uint32) {
				s.notify()
			},
		},
	}

	var client *imapclient.Client
	var err error
	if s.cfg.IMAPPort == 143 {
		client, err = imapclient.DialStartTLS(addr, opts)
	} else {
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	s.setState(StateAuthenticating)

	if err := s.authenticate(client); err != nil {
		_ = client.Logout().Wait()
		s.setState(StateDisconnecting)
		s.setState(StateDisconnected)
		return err
	}

	caps := client.Caps()
	s.hasMove = caps.Has(imap.CapMove)
	s.hasIdle = caps.Has(imap.CapIdle)
	s.hasUIDPlus = caps.Has(imap.CapUIDPlus)

	s.client = client
	s.selected = ""

	s.setState(StateSelecting)
	if _, err := s.Select(s.cfg.Inbox); err != nil {
		s.Close()
		return fmt.Errorf("selecting %s: %w", s.cfg.Inbox, err)
	}

	s.setState(StateIdle)
	return nil
}

func (s *Session) authenticate(client *imapclient.Client) error {
	// An oauth2: prefixed password carries an access token for
	// XOAUTH2 instead of a plain credential.
	if token, ok := strings.CutPrefix(s.cfg.Pass, "oauth2:"); ok {
		if err := client.Authenticate(newXOAuth2Client(s.cfg.User, token)); err != nil {
			return fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
		return nil
	}

	if err := client.Login(s.cfg.User, s.cfg.Pass).Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	return nil
}

// Close logs out and drops the connection.
func (s *Session) Close() {
	if s.client == nil {
		s.setState(StateDisconnected)
		return
	}

	s.setState(StateDisconnecting)
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
	s.client = nil
	s.selected = ""
	s.setState(StateDisconnected)
}

// Connected reports whether the session holds a live connection.
func (s *Session) Connected() bool {
	return s.client != nil
}

// HasMove reports the MOVE capability.
func (s *Session) HasMove() bool {
	return s.hasMove
}

// HasIdle reports the IDLE capability.
func (s *Session) HasIdle() bool {
	return s.hasIdle
}

// Select selects a folder if not already selected and returns its
// UIDVALIDITY.
func (s *Session) Select(folder string) (uint32, error) {
	if s.client == nil {
		return 0, fmt.Errorf("not connected")
	}
	if s.selected == folder {
		return s.validity, nil
	}

	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", folder, err)
	}

	s.selected = folder
	s.validity = data.UIDValidity
	return s.validity, nil
}

// Selected returns the currently selected folder.
func (s *Session) Selected() string {
	return s.selected
}

// FetchFolders lists the selectable folders.
func (s *Session) FetchFolders() ([]string, error) {
	if s.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	var folders []string
	for _, mbox := range mailboxes {
		noselect := false
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				noselect = true
				break
			}
		}
		if !noselect {
			folders = append(folders, mbox.Mailbox)
		}
	}

	return folders, nil
}

// FetchUIDs returns every UID of the selected folder.
func (s *Session) FetchUIDs() ([]uint32, error) {
	if s.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	data, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching uids: %w", err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// FetchHeaders fetches envelopes, body structure and raw header text
// for one batch of UIDs.
func (s *Session) FetchHeaders(uids []uint32) (map[uint32]model.Header, error) {
	if s.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	opts := &imap.FetchOptions{
		UID:           true,
		Envelope:      true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection:   []*imap.FetchItemBodySection{section},
	}

	bufs, err := s.client.Fetch(uidSet(uids), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching headers: %w", err)
	}

	headers := make(map[uint32]model.Header, len(bufs))
	for _, buf := range bufs {
		headers[uint32(buf.UID)] = headerFromBuffer(buf, section)
	}
	return headers, nil
}

// FetchFlags fetches flags for one batch of UIDs.
func (s *Session) FetchFlags(uids []uint32) (map[uint32]model.Flags, error) {
	if s.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	opts := &imap.FetchOptions{UID: true, Flags: true}

	bufs, err := s.client.Fetch(uidSet(uids), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching flags: %w", err)
	}

	flags := make(map[uint32]model.Flags, len(bufs))
	for _, buf := range bufs {
		flags[uint32(buf.UID)] = flagsFromIMAP(buf.Flags)
	}
	return flags, nil
}

// FetchBody fetches and decodes the full body of one UID without
// setting the seen flag.
func (s *Session) FetchBody(uid uint32, processHTML bool) (model.Body, error) {
	if s.client == nil {
		return model.Body{}, fmt.Errorf("not connected")
	}

	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	bufs, err := s.client.Fetch(uidSet([]uint32{uid}), opts).Collect()
	if err != nil {
		return model.Body{}, fmt.Errorf("fetching body %d: %w", uid, err)
	}
	if len(bufs) == 0 {
		return model.Body{}, fmt.Errorf("body %d not returned", uid)
	}

	raw := bufs[0].FindBodySection(section)
	if raw == nil {
		return model.Body{}, fmt.Errorf("body %d missing section", uid)
	}

	return model.ParseBody(raw, processHTML), nil
}

// StoreSeen adds or removes the seen flag on a UID set.
func (s *Session) StoreSeen(uids []uint32, seen bool) error {
	return s.storeFlag(uids, imap.FlagSeen, seen)
}

func (s *Session) storeFlag(uids []uint32, flag imap.Flag, add bool) error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	cmd := s.client.Store(uidSet(uids), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("storing flags: %w", err)
	}
	return nil
}

// Move moves a UID set to another folder, preferring UID MOVE and
// falling back to COPY + STORE \Deleted + EXPUNGE.
func (s *Session) Move(uids []uint32, destination string) error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}

	set := uidSet(uids)

	if s.hasMove {
		if _, err := s.client.Move(set, destination).Wait(); err != nil {
			return fmt.Errorf("moving to %s: %w", destination, err)
		}
		return nil
	}

	if _, err := s.client.Copy(set, destination).Wait(); err != nil {
		return fmt.Errorf("copying to %s: %w", destination, err)
	}
	if err := s.storeFlag(uids, imap.FlagDeleted, true); err != nil {
		return err
	}
	return s.expunge(set)
}

// DeletePermanently flags a UID set deleted and expunges it.
func (s *Session) DeletePermanently(uids []uint32) error {
	if err := s.storeFlag(uids, imap.FlagDeleted, true); err != nil {
		return err
	}
	return s.expunge(uidSet(uids))
}

func (s *Session) expunge(set imap.UIDSet) error {
	var err error
	if s.hasUIDPlus {
		_, err = s.client.UIDExpunge(set).Collect()
	} else {
		_, err = s.client.Expunge().Collect()
	}
	if err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

// Append uploads a complete message to a folder, flagging it as a
// draft when asked.
func (s *Session) Append(folder string, blob []byte, draft bool) error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}

	opts := &imap.AppendOptions{Time: time.Now()}
	if draft {
		opts.Flags = []imap.Flag{imap.FlagDraft}
	} else {
		opts.Flags = []imap.Flag{imap.FlagSeen}
	}

	cmd := s.client.Append(folder, int64(len(blob)), opts)
	if _, err := cmd.Write(blob); err != nil {
		return fmt.Errorf("writing append literal: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("closing append literal: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

// Notify returns the channel signaled on unilateral mailbox updates
// (such as EXISTS) and EXPUNGE responses; unilateral FETCH responses
// do not signal it.
func (s *Session) Notify() <-chan struct{} {
	return s.notifyCh
}

// StartIdle sends IDLE and parks the connection. The caller waits on
// Notify() or its own wakeup sources, then calls FinishIdle.
func (s *Session) StartIdle() error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}

	// Drain a stale notification so only fresh ones end this idle.
	select {
	case <-s.notifyCh:
	default:
	}

	cmd, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("entering idle: %w", err)
	}

	s.idleCmd = cmd
	s.setState(StateIdling)
	return nil
}

// FinishIdle cancels a running IDLE and waits for its completion.
func (s *Session) FinishIdle() error {
	if s.idleCmd == nil {
		return nil
	}
	cmd := s.idleCmd
	s.idleCmd = nil
	s.setState(StateIdle)

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("leaving idle: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("waiting for idle end: %w", err)
	}
	return nil
}

// Noop pings the server, verifying connectivity.
func (s *Session) Noop() error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}
	if err := s.client.Noop().Wait(); err != nil {
		return fmt.Errorf("noop: %w", err)
	}
	return nil
}

func uidSet(uids []uint32) imap.UIDSet {
	converted := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		converted = append(converted, imap.UID(uid))
	}
	return imap.UIDSetNum(converted...)
}

func flagsFromIMAP(flags []imap.Flag) model.Flags {
	var f model.Flags
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			f |= model.FlagSeen
		case imap.FlagAnswered:
			f |= model.FlagAnswered
		case imap.FlagFlagged:
			f |= model.FlagFlagged
		case imap.FlagDeleted:
			f |= model.FlagDeleted
		case imap.FlagDraft:
			f |= model.FlagDraft
		}
	}
	return f
}

// headerFromBuffer builds a Header from envelope data, the raw header
// section and body structure.
func headerFromBuffer(
	buf *imapclient.FetchMessageBuffer,
	section *imap.FetchItemBodySection,
) model.Header {
	var h model.Header

	if env := buf.Envelope; env != nil {
		h.MessageID = env.MessageID
		h.InReplyTo = strings.Join(env.InReplyTo, " ")
		h.Subject = env.Subject
		h.From = formatAddresses(env.From)
		h.ReplyTo = formatAddresses(env.ReplyTo)
		h.To = formatAddresses(env.To)
		h.Cc = formatAddresses(env.Cc)
		h.Bcc = formatAddresses(env.Bcc)
		h.SetDate(env.Date)
	}

	if raw := buf.FindBodySection(section); raw != nil {
		h.Raw = string(raw)

		// References is not part of the envelope.
		if entity, err := message.Read(bytes.NewReader(raw)); err == nil {
			h.References = entity.Header.Get("References")
			if h.InReplyTo == "" {
				h.InReplyTo = entity.Header.Get("In-Reply-To")
			}
		}
	}

	if buf.BodyStructure != nil {
		h.HasAttachments = structureHasAttachments(buf.BodyStructure)
	}

	return h
}

func structureHasAttachments(bs imap.BodyStructure) bool {
	found := false
	bs.Walk(func(_ []int, part imap.BodyStructure) bool {
		if d := part.Disposition(); d != nil &&
			strings.EqualFold(d.Value, "attachment") {
			found = true
		}
		return !found
	})
	return found
}

func formatAddresses(addrs []imap.Address) []string {
	var out []string
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Addr()))
		} else {
			out = append(out, a.Addr())
		}
	}
	return out
}

// Package smtpmgr assembles outgoing messages and delivers them over
// SMTP, with offline queueing semantics driven by the controller.
package smtpmgr

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/addressbook"
	"github.com/nhle/mailterm/internal/config"
	"github.com/nhle/mailterm/internal/status"
)

const dialTimeout = 30 * time.Second

// Action is one SMTP operation: create a message, send a freshly
// composed one, or deliver an already-created blob.
type Action struct {
	Compose Compose

	IsSendMessage        bool
	IsCreateMessage      bool
	IsSendCreatedMessage bool

	// CreatedMsg carries the blob for IsSendCreatedMessage; the
	// recipients come from Compose when it names any, otherwise from
	// the blob's own address headers.
	CreatedMsg []byte
}

// Result reports the outcome of one Action. On send failure Message
// carries the assembled blob so the controller can offer saving it as
// a draft or queueing it.
type Result struct {
	OK        bool
	Permanent bool
	Message   []byte
}

// Manager owns the SMTP worker. One send runs at a time; additional
// sends serialise on the action channel.
type Manager struct {
	cfg      *config.Config
	book     *addressbook.Book
	stat     *status.Status
	resultFn func(Action, Result)

	actions chan Action
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a stopped manager.
func New(
	cfg *config.Config,
	book *addressbook.Book,
	stat *status.Status,
	resultFn func(Action, Result),
) *Manager {
	return &Manager{
		cfg:      cfg,
		book:     book,
		stat:     stat,
		resultFn: resultFn,
		actions:  make(chan Action, 16),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
}

// Stop signals shutdown and waits for the worker.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// AsyncAction enqueues an action without blocking the caller.
func (m *Manager) AsyncAction(action Action) {
	select {
	case m.actions <- action:
	case <-m.stopCh:
	}
}

// CreateMessage assembles a message synchronously.
func (m *Manager) CreateMessage(c Compose) ([]byte, error) {
	return CreateMessage(c, m.cfg.SMTPHost)
}

func (m *Manager) run() {
	for {
		select {
		case action := <-m.actions:
			m.resultFn(action, m.perform(action))
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) perform(action Action) Result {
	switch {
	case action.IsCreateMessage:
		blob, err := m.CreateMessage(action.Compose)
		if err != nil {
			log.WithError(err).Warn("creating message")
			return Result{}
		}
		return Result{OK: true, Message: blob}

	case action.IsSendMessage, action.IsSendCreatedMessage:
		blob := action.CreatedMsg
		if !action.IsSendCreatedMessage {
			var err error
			blob, err = m.CreateMessage(action.Compose)
			if err != nil {
				log.WithError(err).Warn("creating message for send")
				return Result{}
			}
		}

		m.stat.Set(status.FlagSending, -1)
		defer m.stat.Clear(status.FlagSending)

		if err := m.send(action.Compose, blob); err != nil {
			permanent := isPermanent(err)
			log.WithError(err).Warnf("sending message (permanent=%v)", permanent)
			return Result{Permanent: permanent, Message: blob}
		}

		m.recordAddresses(action.Compose)
		return Result{OK: true, Message: blob}

	default:
		log.Warn("smtp action with no operation")
		return Result{}
	}
}

// recordAddresses feeds the used addresses back to the address book.
func (m *Manager) recordAddresses(c Compose) {
	m.book.AddFrom(m.cfg.Address)
	for _, addr := range c.Recipients() {
		m.book.AddFrom(addr)
	}
}

// send delivers blob to every recipient, using implicit TLS on port
// 465 and STARTTLS otherwise.
func (m *Manager) send(c Compose, blob []byte) error {
	recipients := c.Recipients()
	if len(recipients) == 0 {
		// Blobs drained from the outbox carry no compose fields; the
		// envelope is recovered from the message header.
		recipients = RecipientsFromMessage(blob)
	}
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	tlsConfig := &tls.Config{
		ServerName: m.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	var client *smtp.Client
	var err error
	if m.cfg.SMTPPort == 465 {
		client, err = dialTLS(addr, m.cfg.SMTPHost, tlsConfig)
	} else {
		client, err = dialStartTLS(addr, m.cfg.SMTPHost, tlsConfig)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Auth(m.auth()); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	if err := client.Mail(m.cfg.Address); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := writer.Write(blob); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}

	return client.Quit()
}

func dialTLS(addr, host string, tlsConfig *tls.Config) (*smtp.Client, error) {
	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: dialTimeout}, "tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return client, nil
}

func dialStartTLS(addr, host string, tlsConfig *tls.Config) (*smtp.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}

	if err := client.StartTLS(tlsConfig); err != nil {
		client.Close()
		return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	return client, nil
}

// auth selects XOAUTH2 for oauth2: prefixed credentials and PLAIN
// otherwise, matching the IMAP side.
func (m *Manager) auth() smtp.Auth {
	if token, ok := cutOAuthToken(m.cfg.Pass); ok {
		return &xoauth2Auth{username: m.cfg.User, token: token}
	}
	return smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.SMTPHost)
}

// isPermanent reports whether the error is a permanent 5xx SMTP
// rejection rather than a transient one.
func isPermanent(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}
	return false
}

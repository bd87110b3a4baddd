// Package imapmgr runs the asynchronous IMAP engine: a foreground
// worker servicing user-driven requests and actions, a prefetch
// worker filling the cache in the background, and a search worker
// over the local index.
package imapmgr

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/addressbook"
	"github.com/nhle/mailterm/internal/cache"
	"github.com/nhle/mailterm/internal/config"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/queue"
	"github.com/nhle/mailterm/internal/search"
	"github.com/nhle/mailterm/internal/status"
)

const (
	headerBatchSize = 25
	flagBatchSize   = 1000

	// idleDelay is how long the foreground worker waits with no work
	// before entering IDLE.
	idleDelay = 5 * time.Second

	// prefetchYield is the pause between prefetch batches so
	// foreground work preempts quickly.
	prefetchYield = 50 * time.Millisecond

	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
)

// Callbacks deliver results back to the controller. They are invoked
// serially; at most one callback is active at a time.
type Callbacks struct {
	Response func(model.Request, model.Response)
	Result   func(model.Action, model.Result)
	Search   func(model.SearchQuery, model.SearchResult)
}

type actionJob struct {
	action  model.Action
	replyCh chan model.Result
}

type searchJob struct {
	query   model.SearchQuery
	replyCh chan model.SearchResult
}

// Manager owns the IMAP worker goroutines.
type Manager struct {
	cfg   *config.Config
	store *cache.Store
	index *search.Index
	queue *queue.Queue
	book  *addressbook.Book
	stat  *status.Status
	cb    Callbacks

	requests   chan model.Request
	prefetches chan model.Request
	actions    chan actionJob
	searches   chan searchJob

	wakeCh         chan struct{}
	prefetchWakeCh chan struct{}
	stopCh         chan struct{}
	wg             sync.WaitGroup

	// cbMu serialises controller callbacks.
	cbMu sync.Mutex

	mu            sync.Mutex
	requested     map[model.FolderUID]bool
	currentFolder string

	offline     atomic.Bool
	loginFailed atomic.Bool
	running     atomic.Bool
	connected   atomic.Bool
}

// New creates a stopped manager.
func New(
	cfg *config.Config,
	store *cache.Store,
	index *search.Index,
	q *queue.Queue,
	book *addressbook.Book,
	stat *status.Status,
	cb Callbacks,
) *Manager {
	m := &Manager{
		cfg:            cfg,
		store:          store,
		index:          index,
		queue:          q,
		book:           book,
		stat:           stat,
		cb:             cb,
		requests:       make(chan model.Request, 256),
		prefetches:     make(chan model.Request, 4096),
		actions:        make(chan actionJob, 256),
		searches:       make(chan searchJob, 16),
		wakeCh:         make(chan struct{}, 1),
		prefetchWakeCh: make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		requested:      make(map[model.FolderUID]bool),
	}
	m.offline.Store(cfg.Offline)
	m.currentFolder = cfg.Inbox
	return m
}

// Start launches the worker goroutines.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.foregroundLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.prefetchLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.searchLoop()
	}()
}

// Stop signals shutdown and waits for the workers. In-flight network
// operations complete or fail naturally.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.stat.Set(status.FlagExiting, -1)
	close(m.stopCh)
	m.wg.Wait()
}

// AsyncRequest enqueues a foreground request without blocking. The
// named header/body uids are claimed so the prefetch worker skips
// them.
func (m *Manager) AsyncRequest(req model.Request) {
	m.claim(req)
	select {
	case m.requests <- req:
	case <-m.stopCh:
	}
}

// PrefetchRequest enqueues a background request.
func (m *Manager) PrefetchRequest(req model.Request) {
	select {
	case m.prefetches <- req:
	default:
		// The prefetch queue is saturated; drop and let the next
		// sync round requeue it.
		log.Debug("prefetch queue full, dropping request")
	}
}

// AsyncAction enqueues a mutation without blocking.
func (m *Manager) AsyncAction(action model.Action) {
	select {
	case m.actions <- actionJob{action: action}:
	case <-m.stopCh:
	}
}

// SyncAction enqueues a mutation and blocks until its result.
func (m *Manager) SyncAction(action model.Action) model.Result {
	replyCh := make(chan model.Result, 1)
	select {
	case m.actions <- actionJob{action: action, replyCh: replyCh}:
	case <-m.stopCh:
		return model.Result{}
	}
	select {
	case res := <-replyCh:
		return res
	case <-m.stopCh:
		return model.Result{}
	}
}

// AsyncSearch enqueues a search; the result arrives via callback.
func (m *Manager) AsyncSearch(query model.SearchQuery) {
	select {
	case m.searches <- searchJob{query: query}:
	case <-m.stopCh:
	}
}

// SyncSearch runs a search and blocks until its result.
func (m *Manager) SyncSearch(query model.SearchQuery) model.SearchResult {
	replyCh := make(chan model.SearchResult, 1)
	select {
	case m.searches <- searchJob{query: query, replyCh: replyCh}:
	case <-m.stopCh:
		return model.SearchResult{}
	}
	select {
	case res := <-replyCh:
		return res
	case <-m.stopCh:
		return model.SearchResult{}
	}
}

// SetCurrentFolder records the folder the user is viewing; IDLE is
// only entered while it is the inbox.
func (m *Manager) SetCurrentFolder(folder string) {
	m.mu.Lock()
	m.currentFolder = folder
	m.mu.Unlock()
}

// CurrentFolder returns the folder the user is viewing.
func (m *Manager) CurrentFolder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentFolder
}

// SetOffline toggles offline mode.
func (m *Manager) SetOffline(offline bool) {
	m.offline.Store(offline)
	m.ForceWakeup()
}

// Offline reports offline mode.
func (m *Manager) Offline() bool {
	return m.offline.Load()
}

// Connected reports whether the foreground connection is live.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// ClearLoginFailed re-enables the reconnect loop after the user
// re-authenticated.
func (m *Manager) ClearLoginFailed() {
	m.loginFailed.Store(false)
	m.ForceWakeup()
}

// ForceWakeup interrupts IDLE or a backoff sleep, forcing a
// connectivity check. Fired by the sleep detector.
func (m *Manager) ForceWakeup() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
	select {
	case m.prefetchWakeCh <- struct{}{}:
	default:
	}
}

// claim records the request's header/body uids as foreground-owned.
func (m *Manager) claim(req model.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range req.GetHeaders {
		m.requested[model.FolderUID{Folder: req.Folder, UID: uid}] = true
	}
	for _, uid := range req.GetBodies {
		m.requested[model.FolderUID{Folder: req.Folder, UID: uid}] = true
	}
}

// release clears claims after the foreground fetch completed.
func (m *Manager) release(req model.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range req.GetHeaders {
		delete(m.requested, model.FolderUID{Folder: req.Folder, UID: uid})
	}
	for _, uid := range req.GetBodies {
		delete(m.requested, model.FolderUID{Folder: req.Folder, UID: uid})
	}
}

// claimed reports whether a foreground request owns (folder, uid).
func (m *Manager) claimed(folder string, uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested[model.FolderUID{Folder: folder, UID: uid}]
}

func (m *Manager) emitResponse(req model.Request, resp model.Response) {
	if m.cb.Response == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cb.Response(req, resp)
}

func (m *Manager) emitResult(job actionJob, res model.Result) {
	if job.replyCh != nil {
		job.replyCh <- res
		return
	}
	if m.cb.Result == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cb.Result(job.action, res)
}

func (m *Manager) emitSearch(job searchJob, res model.SearchResult) {
	if job.replyCh != nil {
		job.replyCh <- res
		return
	}
	if m.cb.Search == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cb.Search(job.query, res)
}

// foregroundLoop owns the primary connection: reconnect with backoff,
// serve requests and actions, and hold IDLE when there is no work.
func (m *Manager) foregroundLoop() {
	session := NewSession(m.cfg, nil)
	defer session.Close()

	backoff := initialBackoff

	for m.running.Load() {
		if m.offline.Load() || m.loginFailed.Load() {
			m.serveOffline()
			continue
		}

		if !session.Connected() {
			m.stat.Set(status.FlagConnecting, -1)

			if err := session.Connect(); err != nil {
				m.stat.Clear(status.FlagConnecting)

				if errors.Is(err, ErrLoginFailed) {
					log.WithError(err).Warn("imap login failed")
					m.loginFailed.Store(true)
					m.emitResponse(model.Request{}, model.Response{
						Status: model.ResponseStatusLoginFailed,
					})
					continue
				}

				log.WithError(err).Warnf("imap connect failed, retrying in %v", backoff)
				m.sleep(backoff)
				backoff = minDuration(backoff*2, maxBackoff)
				continue
			}

			backoff = initialBackoff
			m.connected.Store(true)
			m.stat.Apply(status.Update{
				Set:      status.FlagConnected | status.FlagIdle,
				Clear:    status.FlagConnecting,
				Progress: -1,
			})
		}

		if !m.processConnected(session) {
			m.disconnect(session)
		}
	}

	m.disconnect(session)
}

func (m *Manager) disconnect(session *Session) {
	if !session.Connected() {
		return
	}
	m.stat.Apply(status.Update{
		Set:      status.FlagDisconnecting,
		Clear:    status.FlagConnected | status.FlagIdle,
		Progress: -1,
	})
	session.Close()
	m.connected.Store(false)
	m.stat.Clear(status.FlagDisconnecting)
}

// processConnected runs the busy/idle loop of a live connection.
// Returns false when the connection must be dropped.
func (m *Manager) processConnected(session *Session) bool {
	for m.running.Load() && !m.offline.Load() {
		// Actions have priority over requests.
		select {
		case job := <-m.actions:
			session.setState(StateBusy)
			ok := m.handleAction(session, job)
			session.setState(StateIdle)
			if !ok {
				return false
			}
			continue
		default:
		}

		select {
		case job := <-m.actions:
			session.setState(StateBusy)
			ok := m.handleAction(session, job)
			session.setState(StateIdle)
			if !ok {
				return false
			}

		case req := <-m.requests:
			session.setState(StateBusy)
			ok := m.performRequest(session, req, false)
			session.setState(StateIdle)
			m.release(req)
			if !ok {
				return false
			}

		case <-m.wakeCh:
			// Forced wakeup: assume the transport is stale.
			return false

		case <-m.stopCh:
			return false

		case <-time.After(idleDelay):
			if !m.maybeIdle(session) {
				return false
			}
		}
	}

	return true
}

// maybeIdle enters IDLE when the inbox is selected and the server
// supports it; otherwise it pings the server. Returns false on
// transport failure.
func (m *Manager) maybeIdle(session *Session) bool {
	if !session.HasIdle() || m.CurrentFolder() != m.cfg.Inbox {
		if err := session.Noop(); err != nil {
			log.WithError(err).Warn("connectivity check failed")
			return false
		}
		return true
	}

	if _, err := session.Select(m.cfg.Inbox); err != nil {
		return false
	}

	if err := session.StartIdle(); err != nil {
		log.WithError(err).Warn("idle start failed")
		return false
	}

	timeout := time.Duration(m.cfg.IdleTimeout) * time.Minute

	notified := false
	wake := false
	select {
	case <-session.Notify():
		notified = true
	case <-m.wakeCh:
		wake = true
	case <-m.stopCh:
	case <-time.After(timeout):
	}

	if err := session.FinishIdle(); err != nil {
		log.WithError(err).Warn("idle end failed")
		return false
	}

	if wake {
		// Sleep wakeup: drop the connection so it is re-established.
		return false
	}

	if notified {
		// Mailbox changed behind us: refresh the inbox UID set.
		req := model.Request{Folder: m.cfg.Inbox, GetUids: true}
		return m.performRequest(session, req, false)
	}

	return true
}

// sleep waits interruptibly for d.
func (m *Manager) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-m.wakeCh:
	case <-m.stopCh:
	}
}

// serveOffline services requests from cache only and queues uploads
// while the engine is offline or locked out after a login failure.
func (m *Manager) serveOffline() {
	select {
	case req := <-m.requests:
		resp := m.cachedResponse(req)
		resp.Cached = true
		m.emitResponse(req, resp)
		m.release(req)

	case req := <-m.prefetches:
		// Prefetch is meaningless offline; drop it.
		_ = req

	case job := <-m.actions:
		m.emitResult(job, m.performOfflineAction(job.action))

	case <-m.wakeCh:

	case <-m.stopCh:
	}
}

// performOfflineAction applies what can be applied locally.
func (m *Manager) performOfflineAction(action model.Action) model.Result {
	switch {
	case action.UpdateCacheOnly:
		for uid, body := range action.BodiesCache {
			m.store.PutBody(action.Folder, uid, body)
		}
		return model.Result{OK: true}

	case action.UploadDraft:
		if err := m.queue.PushDraft(action.Message); err != nil {
			log.WithError(err).Warn("queueing draft offline")
			return model.Result{}
		}
		return model.Result{OK: true}

	case action.UploadMessage:
		if err := m.queue.PushOutbox(action.Message); err != nil {
			log.WithError(err).Warn("queueing message offline")
			return model.Result{}
		}
		return model.Result{OK: true}

	case action.SetSeen || action.SetUnseen:
		// Cache-side only; the server converges on the next re-fetch
		// after reconnect.
		for _, uid := range action.UIDs {
			flags, _ := m.store.GetFlags(action.Folder, uid)
			m.store.PutFlags(action.Folder, uid, flags.WithSeen(action.SetSeen))
		}
		return model.Result{OK: true}

	default:
		return model.Result{}
	}
}

// prefetchLoop owns the secondary connection and fills the cache.
func (m *Manager) prefetchLoop() {
	session := NewSession(m.cfg, nil)
	defer session.Close()

	backoff := initialBackoff

	for m.running.Load() {
		var req model.Request
		select {
		case req = <-m.prefetches:
		case <-m.prefetchWakeCh:
			if m.offline.Load() && session.Connected() {
				session.Close()
			}
			continue
		case <-m.stopCh:
			return
		}

		if m.offline.Load() || m.loginFailed.Load() {
			continue
		}

		if !session.Connected() {
			if err := session.Connect(); err != nil {
				if errors.Is(err, ErrLoginFailed) {
					m.loginFailed.Store(true)
					continue
				}
				log.WithError(err).Debugf(
					"prefetch connect failed, retrying in %v", backoff)
				m.sleepPrefetch(backoff)
				backoff = minDuration(backoff*2, maxBackoff)
				// Requeue the request for after reconnect.
				m.PrefetchRequest(req)
				continue
			}
			backoff = initialBackoff
		}

		m.stat.Set(status.FlagPrefetching, 0)
		if !m.performRequest(session, req, true) {
			session.Close()
		}
		m.stat.Clear(status.FlagPrefetching)

		// Yield so foreground latency is preserved.
		m.sleepPrefetch(prefetchYield)
	}
}

func (m *Manager) sleepPrefetch(d time.Duration) {
	select {
	case <-time.After(d):
	case <-m.prefetchWakeCh:
	case <-m.stopCh:
	}
}

// searchLoop services index queries.
func (m *Manager) searchLoop() {
	for {
		select {
		case job := <-m.searches:
			m.stat.Set(status.FlagSearching, -1)
			m.emitSearch(job, m.performSearch(job.query))
			m.stat.Clear(status.FlagSearching)

		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) performSearch(query model.SearchQuery) model.SearchResult {
	hits, hasMore, err := m.index.Search(query.Query, query.Offset, query.Max)
	if err != nil {
		log.WithError(err).Warnf("search %q failed", query.Query)
		return model.SearchResult{}
	}

	result := model.SearchResult{FolderUIDs: hits, HasMore: hasMore}
	for _, hit := range hits {
		header, _ := m.store.GetHeader(hit.Folder, hit.UID)
		result.Headers = append(result.Headers, header)
	}
	return result
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

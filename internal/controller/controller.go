// Package controller is the UI-facing façade of the mail engine: it
// translates user intents into requests and actions, merges worker
// responses into the view-facing maps, and keeps display projections,
// selection and sort state coherent.
package controller

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/cache"
	"github.com/nhle/mailterm/internal/config"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/queue"
	"github.com/nhle/mailterm/internal/smtpmgr"
	"github.com/nhle/mailterm/internal/status"
)

// EventKind classifies controller events consumed by the view.
type EventKind int

const (
	// EventRedraw asks the view to repaint from controller state.
	EventRedraw EventKind = iota
	// EventDialog carries a user-visible message.
	EventDialog
)

// Event is one view notification.
type Event struct {
	Kind    EventKind
	Message string
}

// MailSource is the controller's view of the IMAP manager.
type MailSource interface {
	AsyncRequest(model.Request)
	PrefetchRequest(model.Request)
	AsyncAction(model.Action)
	AsyncSearch(model.SearchQuery)
	SyncSearch(model.SearchQuery) model.SearchResult
	SetCurrentFolder(string)
	Connected() bool
	Offline() bool
	SetOffline(bool)
	ForceWakeup()
}

// Sender is the controller's view of the SMTP manager.
type Sender interface {
	AsyncAction(smtpmgr.Action)
	CreateMessage(smtpmgr.Compose) ([]byte, error)
}

// Controller owns the view state. All mutable maps are guarded by mu;
// worker callbacks only take the lock to write results, never to
// perform I/O.
type Controller struct {
	cfg   *config.Config
	store *cache.Store
	queue *queue.Queue
	stat  *status.Status

	imap MailSource
	smtp Sender

	mu sync.Mutex

	currentFolder string
	folders       []string

	headerUids map[string][]uint32
	headers    map[string]map[uint32]model.Header
	flags      map[string]map[uint32]model.Flags

	// hasRequestedUids marks folders whose UID set has been fetched
	// this session; cleared by any mutation so the next read
	// re-synchronises.
	hasRequestedUids map[string]bool

	// inputVersion advances whenever a folder's uids, headers or
	// flags change; displayVersion records the version each cached
	// projection was computed at.
	inputVersion   map[string]uint64
	displayVersion map[string]uint64
	displayUids    map[string]map[model.SortFilter][]uint32

	selected     map[string]map[uint32]bool
	sortFilter   map[string]model.SortFilter
	filterCustom map[string]string

	searchResult  model.SearchResult
	searchQuery   string
	pendingFailed []byte

	compose composeState

	events  chan Event
	stopped bool
}

// New creates a controller. Attach must be called before Start.
func New(
	cfg *config.Config,
	store *cache.Store,
	q *queue.Queue,
	stat *status.Status,
) *Controller {
	return &Controller{
		cfg:              cfg,
		store:            store,
		queue:            q,
		stat:             stat,
		headerUids:       make(map[string][]uint32),
		headers:          make(map[string]map[uint32]model.Header),
		flags:            make(map[string]map[uint32]model.Flags),
		hasRequestedUids: make(map[string]bool),
		inputVersion:     make(map[string]uint64),
		displayVersion:   make(map[string]uint64),
		displayUids:      make(map[string]map[model.SortFilter][]uint32),
		selected:         make(map[string]map[uint32]bool),
		sortFilter:       make(map[string]model.SortFilter),
		filterCustom:     make(map[string]string),
		events:           make(chan Event, 64),
		currentFolder:    cfg.Inbox,
	}
}

// Attach wires the managers.
func (c *Controller) Attach(imap MailSource, smtp Sender) {
	c.imap = imap
	c.smtp = smtp

	// The connected transition drains the offline queues; every
	// status change repaints the status line.
	c.stat.Observe(func(u status.Update) {
		if u.Set&status.FlagConnected != 0 {
			go c.drainOfflineQueues()
		}
		c.redraw()
	})
}

// Events returns the channel of view notifications.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
		// A saturated event channel only ever drops redraws; the
		// next event repaints the same state.
	}
}

func (c *Controller) redraw() {
	c.emit(Event{Kind: EventRedraw})
}

func (c *Controller) dialog(msg string) {
	c.emit(Event{Kind: EventDialog, Message: msg})
}

// Start issues the initial requests: folder list and the current
// folder's content. The newest compose backup left over from a
// crashed session is preserved as a draft; older ones are dropped.
func (c *Controller) Start() {
	c.restoreComposeBackups()
	c.imap.SetCurrentFolder(c.currentFolder)
	c.imap.AsyncRequest(model.Request{GetFolders: true})
	c.requestFolder(c.currentFolder)
}

// restoreComposeBackups uploads the newest leftover compose backup to
// the drafts folder so an interrupted compose is not lost.
func (c *Controller) restoreComposeBackups() {
	backups, err := c.queue.PopComposeBackups()
	if err != nil {
		log.WithError(err).Warn("draining compose backups")
		return
	}
	if len(backups) == 0 {
		return
	}

	c.imap.AsyncAction(model.Action{
		Folder:      c.cfg.Drafts,
		UploadDraft: true,
		Message:     backups[len(backups)-1],
	})
	c.dialog("Recovered an interrupted compose as a draft")
}

// requestFolder asks for the folder's UID set.
func (c *Controller) requestFolder(folder string) {
	c.imap.AsyncRequest(model.Request{Folder: folder, GetUids: true})
}

// CurrentFolder returns the folder being viewed.
func (c *Controller) CurrentFolder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentFolder
}

// Folders returns the known folder list.
func (c *Controller) Folders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.folders))
	copy(out, c.folders)
	return out
}

// Header returns the cached header of one message.
func (c *Controller) Header(folder string, uid uint32) (model.Header, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.headers[folder][uid]
	return h, ok
}

// Flags returns the cached flags of one message.
func (c *Controller) Flags(folder string, uid uint32) model.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[folder][uid]
}

// SelectFolder switches the view to another folder, clearing the
// selection and requesting the folder content when not yet fetched.
func (c *Controller) SelectFolder(folder string) {
	c.mu.Lock()
	c.currentFolder = folder
	c.selected[folder] = nil
	requested := c.hasRequestedUids[folder]
	c.mu.Unlock()

	c.imap.SetCurrentFolder(folder)
	if !requested {
		c.requestFolder(folder)
	}
	c.redraw()
}

// ViewMessage fetches (or serves from cache) the body of one message
// and marks it seen. Neighbour bodies are prefetched at level
// CurrentView and above.
func (c *Controller) ViewMessage(uid uint32) {
	c.mu.Lock()
	folder := c.currentFolder
	flags := c.flags[folder][uid]
	c.mu.Unlock()

	c.imap.AsyncRequest(model.Request{
		Folder:      folder,
		GetBodies:   []uint32{uid},
		ProcessHTML: true,
	})

	if !flags.Seen() {
		c.SetSeen([]uint32{uid}, true)
	}

	if model.PrefetchLevel(c.cfg.PrefetchLevel) >= model.PrefetchCurrentView {
		c.prefetchNeighbours(folder, uid)
	}
}

// prefetchNeighbours queues the bodies adjacent to uid in the current
// projection.
func (c *Controller) prefetchNeighbours(folder string, uid uint32) {
	c.mu.Lock()
	display := c.displayUidsLocked(folder)
	c.mu.Unlock()

	var neighbours []uint32
	for i, u := range display {
		if u != uid {
			continue
		}
		if i > 0 {
			neighbours = append(neighbours, display[i-1])
		}
		if i+1 < len(display) {
			neighbours = append(neighbours, display[i+1])
		}
		break
	}

	if len(neighbours) > 0 {
		c.imap.PrefetchRequest(model.Request{
			PrefetchLevel: model.PrefetchCurrentView,
			Folder:        folder,
			GetBodies:     neighbours,
			ProcessHTML:   true,
		})
	}
}

// Body returns the cached body of one message.
func (c *Controller) Body(folder string, uid uint32) (model.Body, bool) {
	return c.store.GetBody(folder, uid)
}

// ToggleSelect flips a message in the current folder's selection.
func (c *Controller) ToggleSelect(uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	folder := c.currentFolder
	if c.selected[folder] == nil {
		c.selected[folder] = make(map[uint32]bool)
	}
	if c.selected[folder][uid] {
		delete(c.selected[folder], uid)
	} else {
		c.selected[folder][uid] = true
	}
}

// SelectedUids returns the selected uids of a folder.
func (c *Controller) SelectedUids(folder string) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint32
	for uid := range c.selected[folder] {
		out = append(out, uid)
	}
	return out
}

// targetUids resolves the uids an action applies to: the selection,
// or the focused uid when nothing is selected.
func (c *Controller) targetUids(focused uint32) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.selected[c.currentFolder]) > 0 {
		var out []uint32
		for uid := range c.selected[c.currentFolder] {
			out = append(out, uid)
		}
		return out
	}
	return []uint32{focused}
}

// Delete removes the focused or selected messages: a move to Trash
// everywhere except in Trash itself, where deletion is permanent.
func (c *Controller) Delete(focused uint32) {
	uids := c.targetUids(focused)

	c.mu.Lock()
	folder := c.currentFolder
	c.mu.Unlock()

	if folder == c.cfg.Trash {
		c.applyLocalRemoval(folder, uids, "")
		c.imap.AsyncAction(model.Action{
			Folder:            folder,
			UIDs:              uids,
			DeletePermanently: true,
		})
	} else {
		c.Move(focused, c.cfg.Trash)
	}
}

// Move moves the focused or selected messages to another folder.
func (c *Controller) Move(focused uint32, destination string) {
	uids := c.targetUids(focused)

	c.mu.Lock()
	folder := c.currentFolder
	c.mu.Unlock()

	if folder == destination {
		c.dialog("Source and destination folders are the same")
		return
	}

	c.applyLocalRemoval(folder, uids, destination)
	c.imap.AsyncAction(model.Action{
		Folder:          folder,
		UIDs:            uids,
		MoveDestination: destination,
	})
}

// applyLocalRemoval optimistically mirrors a move or delete into the
// view maps: uids leave the source projection and selection, and the
// affected folders are marked for re-synchronisation.
func (c *Controller) applyLocalRemoval(
	folder string, uids []uint32, destination string,
) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		removed[uid] = true
	}

	kept := c.headerUids[folder][:0]
	for _, uid := range c.headerUids[folder] {
		if !removed[uid] {
			kept = append(kept, uid)
		}
	}
	c.headerUids[folder] = kept

	for _, uid := range uids {
		delete(c.headers[folder], uid)
		delete(c.flags[folder], uid)
		delete(c.selected[folder], uid)
	}

	c.hasRequestedUids[folder] = false
	if destination != "" {
		c.hasRequestedUids[destination] = false
	}
	c.inputVersion[folder]++
}

// SetSeen updates the seen flag optimistically and pushes the change
// to the server.
func (c *Controller) SetSeen(uids []uint32, seen bool) {
	c.mu.Lock()
	folder := c.currentFolder
	if c.flags[folder] == nil {
		c.flags[folder] = make(map[uint32]model.Flags)
	}
	for _, uid := range uids {
		c.flags[folder][uid] = c.flags[folder][uid].WithSeen(seen)
	}
	c.hasRequestedUids[folder] = false
	c.inputVersion[folder]++
	c.mu.Unlock()

	c.imap.AsyncAction(model.Action{
		Folder:   folder,
		UIDs:     uids,
		SetSeen:  seen,
		SetUnseen: !seen,
	})
	c.redraw()
}

// SetSortFilter switches the current folder's sort/filter mode. The
// custom filter value (current date/name/subject) is captured from
// the focused message for the Curr* modes.
func (c *Controller) SetSortFilter(mode model.SortFilter, focused uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	folder := c.currentFolder
	if c.sortFilter[folder] == mode {
		mode = model.SortDefault
	}
	c.sortFilter[folder] = mode

	if header, ok := c.headers[folder][focused]; ok {
		switch mode {
		case model.SortCurrDateOnly:
			c.filterCustom[folder] = header.DateOnly()
		case model.SortCurrNameOnly:
			c.filterCustom[folder] = c.nameKey(folder, header)
		case model.SortCurrSubjOnly:
			c.filterCustom[folder] = model.NormalizeSubject(header.Subject, true)
		}
	}

	c.inputVersion[folder]++
	c.emitRedrawLocked()
}

func (c *Controller) emitRedrawLocked() {
	select {
	case c.events <- Event{Kind: EventRedraw}:
	default:
	}
}

// SortFilter returns the current folder's active mode.
func (c *Controller) SortFilter(folder string) model.SortFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortFilter[folder]
}

// Search runs a query against the local index.
func (c *Controller) Search(query string, offset, max int) {
	c.mu.Lock()
	c.searchQuery = query
	c.mu.Unlock()

	c.imap.AsyncSearch(model.SearchQuery{
		Query:  query,
		Offset: offset,
		Max:    max,
	})
}

// SearchResult returns the latest search result.
func (c *Controller) SearchResult() model.SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchResult
}

// HandleResponse merges one IMAP response into the view maps. It is
// registered as the manager's response callback and runs serially.
func (c *Controller) HandleResponse(req model.Request, resp model.Response) {
	c.mu.Lock()

	if resp.Status.Has(model.ResponseStatusLoginFailed) {
		c.mu.Unlock()
		c.dialog("Login failed; check credentials")
		return
	}

	if len(resp.Folders) > 0 {
		c.folders = resp.Folders
		c.mu.Unlock()
		c.kickFullSync(resp.Folders)
		c.mu.Lock()
	}

	folder := resp.Folder

	if req.GetUids && resp.Status&model.ResponseStatusGetUidsFailed == 0 &&
		folder != "" {
		c.headerUids[folder] = resp.UIDs
		if !resp.Cached {
			c.hasRequestedUids[folder] = true
		}
		c.reconcileLocked(folder)
		c.inputVersion[folder]++
	}

	if len(resp.Headers) > 0 {
		if c.headers[folder] == nil {
			c.headers[folder] = make(map[uint32]model.Header)
		}
		for uid, h := range resp.Headers {
			c.headers[folder][uid] = h
		}
		c.inputVersion[folder]++
	}

	if len(resp.Flags) > 0 {
		if c.flags[folder] == nil {
			c.flags[folder] = make(map[uint32]model.Flags)
		}
		for uid, f := range resp.Flags {
			c.flags[folder][uid] = f
		}
		c.inputVersion[folder]++
	}

	needHeaders := c.missingHeaderUidsLocked(folder)
	c.mu.Unlock()

	// A fresh UID set pulls the headers and flags it names.
	if req.GetUids && len(needHeaders) > 0 {
		c.imap.AsyncRequest(model.Request{
			Folder:     folder,
			GetHeaders: needHeaders,
			GetFlags:   needHeaders,
		})
	}

	if resp.Status != model.ResponseStatusOK {
		c.dialog("Some mail operations failed; will retry")
	}

	c.redraw()
}

// missingHeaderUidsLocked lists uids of the folder with no header yet.
func (c *Controller) missingHeaderUidsLocked(folder string) []uint32 {
	var missing []uint32
	for _, uid := range c.headerUids[folder] {
		if _, ok := c.headers[folder][uid]; !ok {
			missing = append(missing, uid)
		}
	}
	return missing
}

// reconcileLocked drops selection entries whose uid left the folder.
func (c *Controller) reconcileLocked(folder string) {
	sel := c.selected[folder]
	if len(sel) == 0 {
		return
	}

	present := make(map[uint32]bool, len(c.headerUids[folder]))
	for _, uid := range c.headerUids[folder] {
		present[uid] = true
	}
	for uid := range sel {
		if !present[uid] {
			delete(sel, uid)
		}
	}
}

// kickFullSync schedules a background walk of every folder when the
// prefetch level asks for it.
func (c *Controller) kickFullSync(folders []string) {
	if model.PrefetchLevel(c.cfg.PrefetchLevel) < model.PrefetchFullSync {
		return
	}

	excluded := c.cfg.ExcludedFolders()
	for _, folder := range folders {
		if excluded[folder] {
			continue
		}
		c.imap.PrefetchRequest(model.Request{
			PrefetchLevel: model.PrefetchFullSync,
			Folder:        folder,
			GetUids:       true,
		})
	}
}

// HandleResult reacts to one action result.
func (c *Controller) HandleResult(action model.Action, result model.Result) {
	if !result.OK {
		log.Warnf("action on %s failed", action.Folder)

		c.mu.Lock()
		// Force a re-fetch so the optimistic cache state converges.
		c.hasRequestedUids[action.Folder] = false
		c.mu.Unlock()

		c.dialog("Action failed; folder will re-synchronise")
	}

	// Full-sync prefetch folds fresh uids into header/flag/body
	// prefetches; a completed mutation just repaints.
	c.redraw()
}

// HandlePrefetchResponse merges prefetch data and, for full sync,
// fans a folder's UID set out into header, flag and body prefetches.
func (c *Controller) HandlePrefetchResponse(
	req model.Request, resp model.Response,
) {
	if req.PrefetchLevel >= model.PrefetchFullSync && req.GetUids &&
		len(resp.UIDs) > 0 {
		c.imap.PrefetchRequest(model.Request{
			PrefetchLevel: req.PrefetchLevel,
			Folder:        resp.Folder,
			GetHeaders:    resp.UIDs,
			GetFlags:      resp.UIDs,
		})
		c.imap.PrefetchRequest(model.Request{
			PrefetchLevel: req.PrefetchLevel,
			Folder:        resp.Folder,
			GetBodies:     resp.UIDs,
			ProcessHTML:   true,
		})
	}

	c.HandleResponse(req, resp)
}

// HandleSearchResult stores hits, dropping those no longer cached.
func (c *Controller) HandleSearchResult(
	query model.SearchQuery, result model.SearchResult,
) {
	filtered := model.SearchResult{HasMore: result.HasMore}
	for i, hit := range result.FolderUIDs {
		if i < len(result.Headers) && result.Headers[i].DateTime != "" {
			filtered.FolderUIDs = append(filtered.FolderUIDs, hit)
			filtered.Headers = append(filtered.Headers, result.Headers[i])
		}
	}

	c.mu.Lock()
	if query.Query == c.searchQuery {
		c.searchResult = filtered
	}
	c.mu.Unlock()

	c.redraw()
}

// drainOfflineQueues pushes queued drafts and outbox messages after a
// reconnect.
func (c *Controller) drainOfflineQueues() {
	drafts, err := c.queue.PopDrafts()
	if err != nil {
		log.WithError(err).Warn("draining draft queue")
	}
	if len(drafts) > 0 {
		c.mu.Lock()
		c.hasRequestedUids[c.cfg.Drafts] = false
		c.mu.Unlock()
	}
	for _, blob := range drafts {
		c.imap.AsyncAction(model.Action{
			Folder:      c.cfg.Drafts,
			UploadDraft: true,
			Message:     blob,
		})
	}

	outbox, err := c.queue.PopOutbox()
	if err != nil {
		log.WithError(err).Warn("draining outbox queue")
	}
	for _, blob := range outbox {
		c.smtp.AsyncAction(smtpmgr.Action{
			IsSendCreatedMessage: true,
			CreatedMsg:           blob,
		})
	}

	if len(drafts) > 0 || len(outbox) > 0 {
		c.dialog("Sending queued offline messages")
	}
}

// Shutdown flushes compose state before the engine stops.
func (c *Controller) Shutdown() {
	c.stopComposeBackup()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

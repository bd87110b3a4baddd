package imapmgr

import (
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/status"
)

// cachedResponse collects whatever the request asks for that is
// already in the cache.
func (m *Manager) cachedResponse(req model.Request) model.Response {
	resp := model.Response{
		Folder:  req.Folder,
		Headers: make(map[uint32]model.Header),
		Flags:   make(map[uint32]model.Flags),
		Bodies:  make(map[uint32]model.Body),
	}

	if req.GetUids {
		if uids, ok := m.store.GetUids(req.Folder); ok {
			resp.UIDs = uids
		}
	}
	for _, uid := range req.GetHeaders {
		if h, ok := m.store.GetHeader(req.Folder, uid); ok {
			resp.Headers[uid] = h
		}
	}
	for _, uid := range req.GetFlags {
		if f, ok := m.store.GetFlags(req.Folder, uid); ok {
			resp.Flags[uid] = f
		}
	}
	for _, uid := range req.GetBodies {
		if b, ok := m.store.GetBody(req.Folder, uid); ok {
			resp.Bodies[uid] = b
		}
	}

	return resp
}

// performRequest services one request against the server. For a
// foreground request it emits a cached response first when the cache
// can already satisfy parts of it; prefetch requests get no early
// cached response. Each field is attempted independently; a failure sets the
// corresponding status bit without aborting the rest. Returns false
// when the connection is unusable and must be dropped.
func (m *Manager) performRequest(
	session *Session, req model.Request, prefetch bool,
) bool {
	flag := status.FlagFetching
	if prefetch {
		flag = status.FlagPrefetching
	}
	m.stat.Set(flag, 0)
	defer m.stat.Clear(flag)

	cached := m.cachedResponse(req)

	// Serve the cached portion immediately so the view can render
	// while the network round-trips happen.
	if !prefetch && (len(cached.Headers) > 0 || len(cached.Flags) > 0 ||
		len(cached.Bodies) > 0 || len(cached.UIDs) > 0) {
		cachedOut := cached
		cachedOut.Cached = true
		m.emitResponse(req, cachedOut)
	}

	resp := model.Response{
		Folder:  req.Folder,
		Headers: make(map[uint32]model.Header),
		Flags:   make(map[uint32]model.Flags),
		Bodies:  make(map[uint32]model.Body),
	}

	connOK := true

	if req.Folder != "" {
		if validity, err := session.Select(req.Folder); err != nil {
			log.WithError(err).Warnf("selecting %s", req.Folder)
			resp.Status |= model.ResponseStatusGetUidsFailed |
				model.ResponseStatusGetHeadersFailed |
				model.ResponseStatusGetFlagsFailed |
				model.ResponseStatusGetBodiesFailed
			m.emitResponse(req, resp)
			return m.checkTransport(session)
		} else if validity != 0 {
			m.store.CheckValidity(req.Folder, validity)
		}
	}

	if req.GetFolders {
		folders, err := session.FetchFolders()
		if err != nil {
			log.WithError(err).Warn("fetching folders")
			resp.Status |= model.ResponseStatusGetFoldersFailed
			connOK = m.checkTransport(session)
		} else {
			resp.Folders = folders
		}
	}

	if req.GetUids && connOK {
		uids, err := session.FetchUIDs()
		if err != nil {
			log.WithError(err).Warnf("fetching uids for %s", req.Folder)
			resp.Status |= model.ResponseStatusGetUidsFailed
			connOK = m.checkTransport(session)
		} else {
			m.reconcileUids(req.Folder, uids)
			resp.UIDs = uids
		}
	}

	if len(req.GetHeaders) > 0 && connOK {
		connOK = m.fetchHeaders(session, req, cached, &resp, prefetch, flag)
	}

	if len(req.GetFlags) > 0 && connOK {
		missing := missingUids(req.GetFlags, nil)
		for _, batch := range chunkUids(missing, flagBatchSize) {
			flags, err := session.FetchFlags(batch)
			if err != nil {
				log.WithError(err).Warnf("fetching flags for %s", req.Folder)
				resp.Status |= model.ResponseStatusGetFlagsFailed
				connOK = m.checkTransport(session)
				break
			}
			for uid, f := range flags {
				m.store.PutFlags(req.Folder, uid, f)
				resp.Flags[uid] = f
			}
		}
	}

	if len(req.GetBodies) > 0 && connOK {
		connOK = m.fetchBodies(session, req, cached, &resp, prefetch, flag)
	}

	m.emitResponse(req, resp)
	return connOK
}

// fetchHeaders fills resp with headers missing from the cache, in
// batches, updating progress along the way.
func (m *Manager) fetchHeaders(
	session *Session,
	req model.Request,
	cached model.Response,
	resp *model.Response,
	prefetch bool,
	flag status.Flag,
) bool {
	missing := missingUids(req.GetHeaders, func(uid uint32) bool {
		_, ok := cached.Headers[uid]
		return ok
	})

	done := 0
	for _, batch := range chunkUids(missing, headerBatchSize) {
		if prefetch {
			batch = m.withoutClaimed(req.Folder, batch)
			if len(batch) == 0 {
				continue
			}
		}

		headers, err := session.FetchHeaders(batch)
		if err != nil {
			log.WithError(err).Warnf("fetching headers for %s", req.Folder)
			resp.Status |= model.ResponseStatusGetHeadersFailed
			return m.checkTransport(session)
		}

		for uid, h := range headers {
			m.store.PutHeader(req.Folder, uid, h)
			resp.Headers[uid] = h

			addrs := append(append([]string{}, h.From...), h.To...)
			m.book.Add(h.MessageID, addrs)

			bodyText := ""
			if body, ok := m.store.GetBody(req.Folder, uid); ok {
				bodyText = body.ViewText()
			}
			m.stat.Set(status.FlagIndexing, -1)
			m.index.IndexMessage(req.Folder, uid, h, bodyText)
			m.stat.Clear(status.FlagIndexing)
		}

		done += len(batch)
		if len(missing) > 0 {
			m.stat.Set(flag, float64(done)/float64(len(missing)))
		}

		if prefetch {
			m.sleepPrefetch(prefetchYield)
		}
	}

	return true
}

// fetchBodies fetches bodies one at a time, indexing each.
func (m *Manager) fetchBodies(
	session *Session,
	req model.Request,
	cached model.Response,
	resp *model.Response,
	prefetch bool,
	flag status.Flag,
) bool {
	missing := missingUids(req.GetBodies, func(uid uint32) bool {
		_, ok := cached.Bodies[uid]
		return ok
	})

	for i, uid := range missing {
		if prefetch && m.claimed(req.Folder, uid) {
			continue
		}

		body, err := session.FetchBody(uid, req.ProcessHTML)
		if err != nil {
			log.WithError(err).Warnf("fetching body %s/%d", req.Folder, uid)
			resp.Status |= model.ResponseStatusGetBodiesFailed
			if !m.checkTransport(session) {
				return false
			}
			continue
		}

		m.store.PutBody(req.Folder, uid, body)
		resp.Bodies[uid] = body

		header, ok := resp.Headers[uid]
		if !ok {
			header, ok = m.store.GetHeader(req.Folder, uid)
		}
		if ok {
			m.stat.Set(status.FlagIndexing, -1)
			m.index.IndexMessage(req.Folder, uid, header, body.ViewText())
			m.stat.Clear(status.FlagIndexing)
		}

		if len(missing) > 0 {
			m.stat.Set(flag, float64(i+1)/float64(len(missing)))
		}

		if prefetch {
			m.sleepPrefetch(prefetchYield)
		}
	}

	return true
}

// reconcileUids mirrors server-side deletions into cache and index,
// then replaces the cached UID set.
func (m *Manager) reconcileUids(folder string, serverUids []uint32) {
	present := make(map[uint32]bool, len(serverUids))
	for _, uid := range serverUids {
		present[uid] = true
	}

	if cachedUids, ok := m.store.GetUids(folder); ok {
		var removed []uint32
		for _, uid := range cachedUids {
			if !present[uid] {
				removed = append(removed, uid)
			}
		}
		if len(removed) > 0 {
			m.store.RemoveMessages(folder, removed)
			for _, uid := range removed {
				m.index.Remove(folder, uid)
			}
		}
	}

	m.store.PutUids(folder, serverUids)
}

// checkTransport distinguishes a protocol failure from a dead
// connection. Returns false when the connection must be dropped.
func (m *Manager) checkTransport(session *Session) bool {
	if err := session.Noop(); err != nil {
		log.WithError(err).Warn("transport check failed, reconnecting")
		return false
	}
	return true
}

// handleAction services one mutation on the foreground connection.
// Returns false when the connection must be dropped; the action
// result is emitted either way.
func (m *Manager) handleAction(session *Session, job actionJob) bool {
	action := job.action

	if action.UpdateCacheOnly {
		m.emitResult(job, m.performOfflineAction(action))
		return true
	}

	m.stat.Set(status.FlagFetching, -1)
	defer m.stat.Clear(status.FlagFetching)

	ok, connOK := m.performAction(session, action)
	m.emitResult(job, model.Result{OK: ok})
	return connOK
}

func (m *Manager) performAction(
	session *Session, action model.Action,
) (ok, connOK bool) {
	if action.Folder != "" && !action.UploadDraft && !action.UploadMessage {
		if _, err := session.Select(action.Folder); err != nil {
			log.WithError(err).Warnf("selecting %s for action", action.Folder)
			return false, m.checkTransport(session)
		}
	}

	switch {
	case action.SetSeen || action.SetUnseen:
		if err := session.StoreSeen(action.UIDs, action.SetSeen); err != nil {
			log.WithError(err).Warn("storing seen flag")
			return false, m.checkTransport(session)
		}
		for _, uid := range action.UIDs {
			flags, _ := m.store.GetFlags(action.Folder, uid)
			m.store.PutFlags(action.Folder, uid, flags.WithSeen(action.SetSeen))
		}
		return true, true

	case action.MoveDestination != "":
		if err := session.Move(action.UIDs, action.MoveDestination); err != nil {
			log.WithError(err).Warnf("moving to %s", action.MoveDestination)
			return false, m.checkTransport(session)
		}
		m.store.RemoveMessages(action.Folder, action.UIDs)
		for _, uid := range action.UIDs {
			m.index.Remove(action.Folder, uid)
		}
		return true, true

	case action.DeletePermanently:
		if err := session.DeletePermanently(action.UIDs); err != nil {
			log.WithError(err).Warn("deleting permanently")
			return false, m.checkTransport(session)
		}
		m.store.RemoveMessages(action.Folder, action.UIDs)
		for _, uid := range action.UIDs {
			m.index.Remove(action.Folder, uid)
		}
		return true, true

	case action.UploadDraft:
		if err := session.Append(action.Folder, action.Message, true); err != nil {
			log.WithError(err).Warn("uploading draft, queueing offline")
			if qErr := m.queue.PushDraft(action.Message); qErr != nil {
				log.WithError(qErr).Warn("queueing draft")
			}
			return false, m.checkTransport(session)
		}
		return true, true

	case action.UploadMessage:
		if err := session.Append(action.Folder, action.Message, false); err != nil {
			log.WithError(err).Warn("uploading message, queueing offline")
			if qErr := m.queue.PushOutbox(action.Message); qErr != nil {
				log.WithError(qErr).Warn("queueing message")
			}
			return false, m.checkTransport(session)
		}
		return true, true

	default:
		log.Warn("action with no operation")
		return false, true
	}
}

// missingUids returns the uids not satisfied by the cached predicate.
func missingUids(uids []uint32, inCache func(uint32) bool) []uint32 {
	if inCache == nil {
		return uids
	}
	var missing []uint32
	for _, uid := range uids {
		if !inCache(uid) {
			missing = append(missing, uid)
		}
	}
	return missing
}

// withoutClaimed filters out uids owned by a foreground request.
func (m *Manager) withoutClaimed(folder string, uids []uint32) []uint32 {
	var out []uint32
	for _, uid := range uids {
		if !m.claimed(folder, uid) {
			out = append(out, uid)
		}
	}
	return out
}

// chunkUids splits uids into batches of at most size.
func chunkUids(uids []uint32, size int) [][]uint32 {
	if size <= 0 || len(uids) == 0 {
		return nil
	}
	var chunks [][]uint32
	for start := 0; start < len(uids); start += size {
		end := start + size
		if end > len(uids) {
			end = len(uids)
		}
		chunks = append(chunks, uids[start:end])
	}
	return chunks
}

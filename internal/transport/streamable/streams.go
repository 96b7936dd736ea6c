package streamable

import (
	"encoding/json"
	"sync"
)

// maxReplayEvents bounds the standalone stream's replay buffer per session,
// resumption contract.
const maxReplayEvents = 1000

type responseMode int

const (
	modeSSE responseMode = iota
	modeJSON
)

// batchStream is the response channel for a single POST batch: either an
// SSE stream that is written to as responses and notifications arrive, or
// a buffer collected for a single consolidated JSON body. It closes once
// every request id in the batch has been answered.
type batchStream struct {
	mode     responseMode
	sseWrite func([]byte) // set by the handler when mode == modeSSE

	mu        sync.Mutex
	pending   map[string]struct{}
	buffered  []json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newBatchStream(mode responseMode, requestKeys []string) *batchStream {
	pending := make(map[string]struct{}, len(requestKeys))
	for _, k := range requestKeys {
		pending[k] = struct{}{}
	}
	return &batchStream{mode: mode, pending: pending, done: make(chan struct{})}
}

func (s *batchStream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writeNotification delivers a server-push message unrelated to batch
// completion (e.g. a mid-call progress notification).
func (s *batchStream) writeNotification(encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return
	}
	if s.mode == modeSSE && s.sseWrite != nil {
		s.sseWrite(encoded)
	} else {
		s.buffered = append(s.buffered, json.RawMessage(encoded))
	}
}

// writeResponse delivers the final response/error for requestKey, closing
// the stream once every pending request id has been answered.
func (s *batchStream) writeResponse(requestKey string, encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return
	}
	if s.mode == modeSSE && s.sseWrite != nil {
		s.sseWrite(encoded)
	} else {
		s.buffered = append(s.buffered, json.RawMessage(encoded))
	}
	delete(s.pending, requestKey)
	if len(s.pending) == 0 {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

// snapshotBuffered returns the collected JSON-mode responses in arrival
// order. Only meaningful once done is closed.
func (s *batchStream) snapshotBuffered() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.buffered))
	copy(out, s.buffered)
	return out
}

// standaloneStream is the single server-push SSE connection a session may
// hold open via GET
type standaloneStream struct {
	write func([]byte)

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newStandaloneStream(write func([]byte)) *standaloneStream {
	return &standaloneStream{write: write, done: make(chan struct{})}
}

func (s *standaloneStream) send(encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.write(encoded)
}

func (s *standaloneStream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// sseEvent is one entry in a session's replay log.
type sseEvent struct {
	id   uint64
	data []byte
}

// eventLog is the bounded replay buffer backing `Last-Event-Id` resumption
// for one session's standalone stream.
type eventLog struct {
	mu     sync.Mutex
	nextID uint64
	events []sseEvent
}

func newEventLog() *eventLog {
	return &eventLog{nextID: 1}
}

func (l *eventLog) append(data []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.events = append(l.events, sseEvent{id: id, data: data})
	if len(l.events) > maxReplayEvents {
		l.events = l.events[len(l.events)-maxReplayEvents:]
	}
	return id
}

// replayAfter returns every logged event with id > lastID, in order.
func (l *eventLog) replayAfter(lastID uint64) []sseEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sseEvent, 0, len(l.events))
	for _, e := range l.events {
		if e.id > lastID {
			out = append(out, e)
		}
	}
	return out
}

// registry ties request ids, session ids, and their streams together so
// outbound send(message, relatedRequestId?) can route a
// server-initiated message to the right place, or drop it cleanly when no
// stream mapping exists.
type registry struct {
	mu             sync.Mutex
	requestOwner   map[string]*batchStream
	sessionBatches map[string]map[*batchStream]struct{}
	standalone     map[string]*standaloneStream
	logs           map[string]*eventLog
}

func newRegistry() *registry {
	return &registry{
		requestOwner:   make(map[string]*batchStream),
		sessionBatches: make(map[string]map[*batchStream]struct{}),
		standalone:     make(map[string]*standaloneStream),
		logs:           make(map[string]*eventLog),
	}
}

func requestKey(id json.RawMessage) string {
	return string(id)
}

// openBatch registers a batch stream's request ids so outbound sends can
// find it, and tracks it under sessionID for session-wide termination.
func (r *registry) openBatch(sessionID string, bs *batchStream, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.requestOwner[k] = bs
	}
	set := r.sessionBatches[sessionID]
	if set == nil {
		set = make(map[*batchStream]struct{})
		r.sessionBatches[sessionID] = set
	}
	set[bs] = struct{}{}
}

// closeBatch removes a completed or aborted batch stream's bookkeeping.
func (r *registry) closeBatch(sessionID string, bs *batchStream, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if r.requestOwner[k] == bs {
			delete(r.requestOwner, k)
		}
	}
	if set := r.sessionBatches[sessionID]; set != nil {
		delete(set, bs)
		if len(set) == 0 {
			delete(r.sessionBatches, sessionID)
		}
	}
}

// ErrStandaloneStreamExists is returned by openStandalone when a session
// already has a live GET stream.
var ErrStandaloneStreamExists = errStandaloneExists{}

type errStandaloneExists struct{}

func (errStandaloneExists) Error() string { return "standalone stream already open for session" }

func (r *registry) openStandalone(sessionID string, write func([]byte)) (*standaloneStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.standalone[sessionID]; exists {
		return nil, ErrStandaloneStreamExists
	}
	ss := newStandaloneStream(write)
	r.standalone[sessionID] = ss
	return ss, nil
}

func (r *registry) closeStandalone(sessionID string, ss *standaloneStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.standalone[sessionID] == ss {
		delete(r.standalone, sessionID)
	}
}

func (r *registry) eventLogFor(sessionID string) *eventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.logs[sessionID]
	if l == nil {
		l = newEventLog()
		r.logs[sessionID] = l
	}
	return l
}

// send implements the outbound operation from : responses/errors
// route by request id to their owning batch stream; notifications with no
// related request go to the session's standalone stream (and its replay
// log), or are dropped if neither exists.
func (r *registry) send(sessionID string, encoded []byte, relatedRequestID json.RawMessage, isResponse bool) {
	if len(relatedRequestID) > 0 {
		key := requestKey(relatedRequestID)
		r.mu.Lock()
		bs := r.requestOwner[key]
		r.mu.Unlock()
		if bs == nil {
			return
		}
		if isResponse {
			bs.writeResponse(key, encoded)
		} else {
			bs.writeNotification(encoded)
		}
		return
	}

	r.mu.Lock()
	ss := r.standalone[sessionID]
	r.mu.Unlock()

	r.eventLogFor(sessionID).append(encoded)
	if ss != nil {
		ss.send(encoded)
	}
}

// terminateSession closes every stream (standalone and any open batch
// streams) belonging to sessionID and forgets its replay log, per the
// DELETE /mcp contract.
func (r *registry) terminateSession(sessionID string) {
	r.mu.Lock()
	ss := r.standalone[sessionID]
	delete(r.standalone, sessionID)
	batches := r.sessionBatches[sessionID]
	delete(r.sessionBatches, sessionID)
	delete(r.logs, sessionID)
	r.mu.Unlock()

	if ss != nil {
		ss.close()
	}
	for bs := range batches {
		bs.closeOnce.Do(func() { close(bs.done) })
	}
}

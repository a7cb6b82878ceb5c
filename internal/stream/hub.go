package stream

import (
	"errors"
	"sync"

	"github.com/atelier-dev/atelier/internal/observability"
)

var (
	ErrStreamClosed = errors.New("stream: session stream closed")
	ErrNoStream     = errors.New("stream: no stream for session")
)

// Hub owns one SessionStream per active session. Streams outlive transport
// connections: a dropped WebSocket leaves the stream (and the unit behind
// it) untouched.
type Hub struct {
	mu      sync.RWMutex
	cfg     Config
	streams map[string]*SessionStream
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:     cfg.WithDefaults(),
		streams: make(map[string]*SessionStream),
	}
}

// Open returns the session's stream, creating it when absent. Idempotent.
func (h *Hub) Open(sessionID string) *SessionStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[sessionID]; ok {
		return s
	}
	s := &SessionStream{
		sessionID: sessionID,
		cfg:       h.cfg,
		ring:      NewReplayRing(h.cfg.ReplayBufferBytes),
	}
	h.streams[sessionID] = s
	return s
}

func (h *Hub) Get(sessionID string) (*SessionStream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[sessionID]
	return s, ok
}

// Close tears the session's stream down, disconnecting any attached
// transport. Called when the session stops.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Transport is one attached client connection's view of a session stream.
type Transport struct {
	C      <-chan Envelope
	ch     chan Envelope
	replay []byte
}

// Replay returns the buffered terminal output tail captured at attach time,
// oldest first.
func (t *Transport) Replay() []byte {
	return t.replay
}

// SessionStream multiplexes server-to-client envelopes for one session and
// retains a bounded terminal output tail for reconnect replay.
type SessionStream struct {
	sessionID string
	cfg       Config

	mu      sync.Mutex
	ring    *ReplayRing
	current *Transport
	dropped int
	closed  bool
}

func (s *SessionStream) SessionID() string {
	return s.sessionID
}

// Attach binds a transport to the stream, replacing any previous one (a
// reconnect supersedes a half-dead connection). The caller drains Transport.C
// until it closes.
func (s *SessionStream) Attach() (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.current != nil {
		close(s.current.ch)
	}
	ch := make(chan Envelope, s.cfg.SendQueueLength)
	t := &Transport{C: ch, ch: ch, replay: s.ring.Bytes()}
	s.current = t
	s.dropped = 0
	return t, nil
}

// Detach releases the transport if it is still the attached one. Safe to
// call after a replacement attach.
func (s *SessionStream) Detach(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t {
		return
	}
	close(s.current.ch)
	s.current = nil
}

// PublishOutput appends one terminal output chunk. The chunk always lands in
// the replay ring; delivery to a live transport is best-effort with
// oldest-first dropping under backpressure.
func (s *SessionStream) PublishOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ring.Write(data)
	if s.current == nil {
		return
	}
	s.enqueueLocked(MustEnvelope(KindTerminalOutput, "", TerminalOutputPayload{Data: string(data)}))
}

// Publish delivers one non-output envelope to the attached transport.
// Envelopes published while no transport is attached are dropped: file
// responses and lifecycle notices are meaningless to a client that has
// already lost the requests they answer.
func (s *SessionStream) Publish(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current == nil {
		return
	}
	s.enqueueLocked(env)
}

// enqueueLocked delivers env to the attached transport. A full queue is
// rebuilt with the oldest terminal output dropped first; the first drop of
// an attachment inserts one output_truncated marker in its place. File
// responses and the marker survive eviction so a pending operation id
// always resolves, and the unit's process is never blocked on a slow
// client.
func (s *SessionStream) enqueueLocked(env Envelope) {
	ch := s.current.ch
	select {
	case ch <- env:
		return
	default:
	}

	queued := make([]Envelope, 0, cap(ch)+1)
	for {
		select {
		case old := <-ch:
			queued = append(queued, old)
			continue
		default:
		}
		break
	}
	queued = append(queued, env)

	for len(queued) > cap(ch) {
		i := evictIndex(queued)
		old := queued[i]
		queued = append(queued[:i], queued[i+1:]...)
		if old.Kind != KindTerminalOutput {
			continue
		}
		n := len(old.Payload)
		observability.RecordDroppedOutput(n)
		if s.dropped == 0 {
			marker := MustEnvelope(KindOutputTruncated, "",
				OutputTruncatedPayload{DroppedBytes: n})
			rest := append([]Envelope{marker}, queued[i:]...)
			queued = append(queued[:i], rest...)
		}
		s.dropped += n
	}
	for _, e := range queued {
		ch <- e
	}
}

// evictIndex picks the envelope dropped on overflow: the oldest terminal
// output, else the oldest envelope that is not the truncation marker.
func evictIndex(queued []Envelope) int {
	for i, e := range queued {
		if e.Kind == KindTerminalOutput {
			return i
		}
	}
	for i, e := range queued {
		if e.Kind != KindOutputTruncated {
			return i
		}
	}
	return 0
}

func (s *SessionStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.current != nil {
		close(s.current.ch)
		s.current = nil
	}
	s.ring.Reset()
}

package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/logging"
)

// Transport identifies how a session reaches the client.
type Transport string

const (
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable_http"
)

const (
	// defaultIdleTimeout evicts sessions with no client activity.
	defaultIdleTimeout = 300 * time.Second
	// outgoingQueueSize bounds each session's outgoing frame queue.
	outgoingQueueSize = 256
	// maxSessions bounds the in-process session count.
	maxSessions = 4096
)

// Frame is one outgoing SSE payload.
type Frame struct {
	Event string
	Data  []byte
	// notification frames are the ones the overflow policy may drop.
	notification bool
}

// Session holds one MCP connection's state: the outgoing frame queue, the
// pending sub-requests and the client's declared capabilities.
type Session struct {
	ID        string
	Transport Transport
	CreatedAt time.Time
	ServiceID string // empty for the root endpoint

	mu        sync.Mutex
	queue     []Frame
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// arrival-ordered request ids still awaiting response delivery
	order []string
	done  map[string]Frame

	pending map[string]context.CancelFunc

	clientCapabilities []byte
	initialized        bool
}

// newSession creates a session bound to a transport and service scope.
func newSession(transport Transport, serviceID string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Transport: transport,
		CreatedAt: time.Now(),
		ServiceID: serviceID,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		done:      map[string]Frame{},
		pending:   map[string]context.CancelFunc{},
	}
}

// Enqueue appends a frame to the outgoing queue. When the queue is full the
// oldest non-response notification is dropped; if none is queued the oldest
// frame is dropped instead, so the new frame is always queued. Either drop is
// logged.
func (s *Session) Enqueue(f Frame) {
	s.mu.Lock()
	if len(s.queue) >= outgoingQueueSize {
		dropped := false
		for i, qf := range s.queue {
			if qf.notification {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			s.queue = s.queue[1:]
		}
		logging.Warn("mcp session queue overflow, dropped a frame",
			zap.String("session_id", s.ID))
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops all queued frames.
func (s *Session) Dequeue() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Notify returns the channel signalled when frames are queued.
func (s *Session) Notify() <-chan struct{} {
	return s.notify
}

// Closed returns the channel closed when the session dies.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Close cancels every pending sub-request and wakes the writer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, cancel := range s.pending {
			cancel()
		}
		s.pending = map[string]context.CancelFunc{}
		s.mu.Unlock()
		close(s.closed)
	})
}

// RegisterRequest records a request's arrival for ordered response delivery
// and returns a context the request's work must run under.
func (s *Session) RegisterRequest(parent context.Context, idKey string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.order = append(s.order, idKey)
	s.pending[idKey] = cancel
	s.mu.Unlock()
	return ctx
}

// DeliverResponse hands a finished response for ordered delivery. Responses
// are released in request-arrival order regardless of completion order; the
// client pairs them by id.
func (s *Session) DeliverResponse(idKey string, f Frame) {
	var release []Frame
	s.mu.Lock()
	if cancel, ok := s.pending[idKey]; ok {
		cancel()
		delete(s.pending, idKey)
	}
	s.done[idKey] = f
	for len(s.order) > 0 {
		head := s.order[0]
		hf, ok := s.done[head]
		if !ok {
			break
		}
		delete(s.done, head)
		s.order = s.order[1:]
		release = append(release, hf)
	}
	s.mu.Unlock()

	for _, rf := range release {
		if rf.Data == nil {
			// Cancelled request: the slot is released without a frame.
			continue
		}
		s.Enqueue(rf)
	}
}

// CancelRequest aborts the in-flight sub-request bound to a request id.
func (s *Session) CancelRequest(idKey string) {
	s.mu.Lock()
	cancel, ok := s.pending[idKey]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// SetCapabilities stores the client's initialize capabilities.
func (s *Session) SetCapabilities(caps []byte) {
	s.mu.Lock()
	s.clientCapabilities = caps
	s.initialized = true
	s.mu.Unlock()
}

// Store is the in-memory session map with idle eviction.
type Store struct {
	lru     *expirable.LRU[string, *Session]
	onClose func(s *Session)
}

// NewStore creates a session store with the given idle timeout; zero uses
// the default of five minutes.
func NewStore(idle time.Duration, onClose func(s *Session)) *Store {
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	st := &Store{onClose: onClose}
	st.lru = expirable.NewLRU[string, *Session](maxSessions, func(_ string, s *Session) {
		s.Close()
		if st.onClose != nil {
			st.onClose(s)
		}
	}, idle)
	return st
}

// Add registers a session.
func (st *Store) Add(s *Session) {
	st.lru.Add(s.ID, s)
}

// Get fetches a session and refreshes its idle deadline.
func (st *Store) Get(id string) (*Session, bool) {
	s, ok := st.lru.Get(id)
	if ok {
		// Re-add to extend the TTL; eviction is idle-based, not lifetime-based.
		st.lru.Add(id, s)
	}
	return s, ok
}

// Remove drops a session, closing it through the eviction callback.
func (st *Store) Remove(id string) {
	st.lru.Remove(id)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	return st.lru.Len()
}

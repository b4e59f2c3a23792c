// Package requeststore correlates a request broadcast to the other side of a
// channel with the reply that eventually comes back for it.
package requeststore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
)

// Request is fired for every CreateRequest. Listeners forward it to
// whoever can answer and call AcceptReply with the same RequestID.
type Request[P any] struct {
	RequestID int `json:"requestId"`
	Payload   P   `json:"payload"`
}

// Store holds pending requests keyed by id. It imposes no timeout of its
// own; callers bound the wait through the context they pass in.
type Store[P, R any] struct {
	log *zap.Logger

	mu      sync.Mutex
	lastID  int
	pending map[int]chan R

	onCreateRequest event.Emitter[Request[P]]
}

// New returns an empty store.
func New[P, R any](log *zap.Logger) *Store[P, R] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store[P, R]{
		log:     log,
		pending: make(map[int]chan R),
	}
}

// OnCreateRequest subscribes to newly created requests.
func (s *Store[P, R]) OnCreateRequest(fn func(Request[P])) func() {
	return s.onCreateRequest.Subscribe(fn)
}

// CreateRequest allocates the next id, announces the request and blocks
// until AcceptReply is called for it or ctx is done. A request abandoned
// through ctx is forgotten, so a late reply for it is ignored.
func (s *Store[P, R]) CreateRequest(ctx context.Context, payload P) (R, error) {
	ch := make(chan R, 1)

	s.mu.Lock()
	s.lastID++
	id := s.lastID
	s.pending[id] = ch
	s.mu.Unlock()

	s.onCreateRequest.Fire(Request[P]{RequestID: id, Payload: payload})

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		var zero R
		return zero, ctx.Err()
	}
}

// AcceptReply resolves the pending request with the given id. Unknown,
// duplicate and late ids are ignored.
func (s *Store[P, R]) AcceptReply(requestID int, value R) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()

	if !ok {
		s.log.Debug("ignoring reply for unknown request", zap.Int("requestId", requestID))
		return
	}
	ch <- value
}

// Pending reports how many requests are still waiting for a reply.
func (s *Store[P, R]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

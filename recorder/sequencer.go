package recorder

import (
	"context"
	"sync"
)

// sequencer serializes out-of-order completions back into index order. A
// task that finished early parks in acquire until every lower index has been
// released, so at most one task holds the write turn at a time. It replaces
// the ad-hoc map-of-locks bookkeeping with a reusable primitive.
type sequencer struct {
	mu      sync.Mutex
	next    int
	waiting map[int]chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{waiting: make(map[int]chan struct{})}
}

// acquire blocks until index i holds the write turn or ctx is done.
func (s *sequencer) acquire(ctx context.Context, i int) error {
	s.mu.Lock()
	if s.next == i {
		s.mu.Unlock()
		return nil
	}
	ch, ok := s.waiting[i]
	if !ok {
		ch = make(chan struct{})
		s.waiting[i] = ch
	}
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release hands the turn to index i+1, waking its waiter if parked.
func (s *sequencer) release(i int) {
	s.mu.Lock()
	if i >= s.next {
		s.next = i + 1
	}
	if ch, ok := s.waiting[s.next]; ok {
		close(ch)
		delete(s.waiting, s.next)
	}
	s.mu.Unlock()
}

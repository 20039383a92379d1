package service

import (
	"context"
	"sync"
)

// semaphore is a counting semaphore with an explicit FIFO wait queue.
// A batch blocks acquiring a slot rather than being dropped, and
// waiters are served strictly in arrival order
type semaphore struct {
	mu      sync.Mutex
	free    int
	waiters []chan struct{}
}

func newSemaphore(slots int) *semaphore {
	if slots < 1 {
		slots = 1
	}
	return &semaphore{free: slots}
}

// Acquire blocks until a slot is free or ctx is done
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.free > 0 && len(s.waiters) == 0 {
		s.free--
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The slot was granted concurrently with cancellation; hand it on
		s.Release()
		return ctx.Err()
	}
}

// Release frees a slot, waking the oldest waiter if any
func (s *semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ch)
		return
	}
	s.free++
	s.mu.Unlock()
}

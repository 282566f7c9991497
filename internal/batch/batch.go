// Package batch coalesces bursts of items per partition key. Each key has a
// debounce timer that restarts on every enqueue; when it finally fires, all
// items collected for that key are flushed together in arrival order.
package batch

import (
	"sort"
	"time"

	"github.com/johan/tokenfeed/internal/loop"
)

// FlushFunc receives a coalesced batch. It runs on the loop.
type FlushFunc[T any] func(key string, items []T)

// Scheduler is a per-key debouncer. Not safe for concurrent use: Enqueue,
// Flush and Stop must be called from the loop that sched delivers timers on.
type Scheduler[T any] struct {
	sched   loop.Scheduler
	window  time.Duration
	flush   FlushFunc[T]
	pending map[string]*partition[T]
	seq     uint64
}

type partition[T any] struct {
	items []T
	timer loop.Timer
	first uint64 // enqueue sequence of the first item, orders Flush
}

// New creates a scheduler that releases a key's batch window after the last
// enqueue for that key.
func New[T any](sched loop.Scheduler, window time.Duration, flush FlushFunc[T]) *Scheduler[T] {
	return &Scheduler[T]{
		sched:   sched,
		window:  window,
		flush:   flush,
		pending: make(map[string]*partition[T]),
	}
}

// Enqueue appends item to key's batch and restarts key's timer.
func (s *Scheduler[T]) Enqueue(key string, item T) {
	s.seq++
	p, ok := s.pending[key]
	if !ok {
		p = &partition[T]{first: s.seq}
		s.pending[key] = p
	}
	p.items = append(p.items, item)

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = s.sched.AfterFunc(s.window, func() { s.release(key, p) })
}

func (s *Scheduler[T]) release(key string, p *partition[T]) {
	if s.pending[key] != p {
		return
	}
	delete(s.pending, key)
	if len(p.items) > 0 && s.flush != nil {
		s.flush(key, p.items)
	}
}

// Pending returns the number of items waiting for key.
func (s *Scheduler[T]) Pending(key string) int {
	if p, ok := s.pending[key]; ok {
		return len(p.items)
	}
	return 0
}

// Keys returns the number of partitions with a pending flush.
func (s *Scheduler[T]) Keys() int { return len(s.pending) }

// Flush releases every pending batch now, oldest partition first.
func (s *Scheduler[T]) Flush() {
	for _, key := range s.byAge() {
		p := s.pending[key]
		if p.timer != nil {
			p.timer.Stop()
		}
		s.release(key, p)
	}
}

// Stop cancels every pending timer and discards the batches.
func (s *Scheduler[T]) Stop() {
	for key, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, key)
	}
}

func (s *Scheduler[T]) byAge() []string {
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.pending[keys[i]].first < s.pending[keys[j]].first
	})
	return keys
}

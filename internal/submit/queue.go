// Package submit forwards found shares to the pool.
package submit

import (
	"context"
	"sync"

	"github.com/bardlex/gominer/internal/work"
)

// Share is a solved header: the work copy with the nonce in word 19.
type Share struct {
	Work   *work.Work
	Device int
}

// Queue is an unbounded FIFO of shares. A nil share pushed onto it tells the
// consumer to stop; a frozen queue accepts nothing more.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Share
	frozen bool
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends s and reports whether the queue took it.
func (q *Queue) Push(s *Share) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frozen {
		return false
	}
	q.items = append(q.items, s)
	q.cond.Signal()
	return true
}

// Terminate pushes the stop marker.
func (q *Queue) Terminate() {
	q.Push(nil)
}

// Freeze drops queued shares and rejects further pushes. It returns the
// number of shares dropped.
func (q *Queue) Freeze() int {
	q.mu.Lock()
	dropped := 0
	for _, s := range q.items {
		if s != nil {
			dropped++
		}
	}
	q.frozen = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return dropped
}

// Frozen reports whether the queue was frozen
func (q *Queue) Frozen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frozen
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop blocks for the next share. ok is false when the stop marker was
// popped, the queue is frozen or ctx ended.
func (q *Queue) Pop(ctx context.Context) (s *Share, ok bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.frozen && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.frozen || len(q.items) == 0 {
		return nil, false
	}

	s = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return s, s != nil
}

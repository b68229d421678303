package work

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the mining state shared by the session, the submitter and the
// device workers: the current work, the time it was published and one
// restart flag per worker.
type State struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current Work
	updated time.Time

	restart []atomic.Bool
	now     func() time.Time
}

// NewState creates a state for the given number of workers.
func NewState(workers int) *State {
	s := &State{
		restart: make([]atomic.Bool, workers),
		now:     time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Workers returns the number of restart flags.
func (s *State) Workers() int {
	return len(s.restart)
}

// Publish runs gen on the current work under the lock, stamps the publish
// time and wakes workers waiting for fresh work.
func (s *State) Publish(gen func(w *Work)) {
	s.publish(gen, false)
}

// PublishClean is Publish for work on a new block. The restart flags are
// raised before the lock is released, so a worker that adopted the old work
// sees its flag before the next batch.
func (s *State) PublishClean(gen func(w *Work)) {
	s.publish(gen, true)
}

func (s *State) publish(gen func(w *Work), restart bool) {
	s.mu.Lock()
	gen(&s.current)
	s.updated = s.now()
	if restart {
		s.raiseLocked()
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Invalidate marks the current work as not yet published, so the next job
// from the session is published even if its id is unchanged, and restarts
// every worker.
func (s *State) Invalidate() {
	s.mu.Lock()
	s.updated = time.Time{}
	s.raiseLocked()
	s.mu.Unlock()
}

// Published reports whether work was published since the last Invalidate.
func (s *State) Published() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.updated.IsZero()
}

// Do runs fn with the current work under the lock. fn may modify the work.
func (s *State) Do(fn func(w *Work)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
}

// Snapshot copies the current work into dst.
func (s *State) Snapshot(dst *Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst.CopyFrom(&s.current)
}

// CurrentJobID returns the job id of the current work.
func (s *State) CurrentJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.JobID
}

// PrevHashMatches reports whether w builds on the same block as the current work.
func (s *State) PrevHashMatches(w *Work) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.SamePrevHash(w)
}

func (s *State) freshLocked(maxAge time.Duration) bool {
	return !s.updated.IsZero() && s.now().Before(s.updated.Add(maxAge))
}

// WaitFresh blocks until work younger than maxAge is available or ctx ends.
func (s *State) WaitFresh(ctx context.Context, maxAge time.Duration) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.freshLocked(maxAge) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// RestartAll raises every worker's restart flag.
func (s *State) RestartAll() {
	s.mu.Lock()
	s.raiseLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *State) raiseLocked() {
	for i := range s.restart {
		s.restart[i].Store(true)
	}
}

// Restarting reports whether worker id must abandon its nonce range.
func (s *State) Restarting(id int) bool {
	return s.restart[id].Load()
}

// ClearRestart lowers worker id's restart flag. Workers call it from Do
// while adopting work, which orders it against PublishClean.
func (s *State) ClearRestart(id int) {
	s.restart[id].Store(false)
}

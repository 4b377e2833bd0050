package bridge

import (
	"log/slog"
	"sync"
)

// DefaultBackgroundLimit caps concurrent background tasks.
const DefaultBackgroundLimit = 256

// Tracker runs webhook follow-up work on a bounded set of goroutines and
// lets shutdown wait for all of them to finish.
type Tracker struct {
	wg    sync.WaitGroup
	slots chan struct{}
	log   *slog.Logger
}

// NewTracker builds a tracker allowing up to limit concurrent tasks.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultBackgroundLimit
	}
	return &Tracker{
		slots: make(chan struct{}, limit),
		log:   slog.Default().With("component", "background"),
	}
}

// Go runs fn on its own goroutine, blocking until a slot frees when all
// are busy. A panic in fn is logged, never propagated.
func (t *Tracker) Go(name string, fn func()) {
	t.slots <- struct{}{}
	t.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("background task panicked", "task", name, "panic", r)
			}
			<-t.slots
			t.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every started task has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

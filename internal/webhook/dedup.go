package webhook

import (
	"sync"
	"time"
)

const (
	// DefaultDedupTTL covers the provider's redelivery window. Events older
	// than this are processed again; for sends that risk is absorbed by the
	// idempotency ledger downstream.
	DefaultDedupTTL = 10 * time.Minute

	// DefaultDedupSweepInterval bounds tracker memory between bursts.
	DefaultDedupSweepInterval = time.Minute
)

// Tracker remembers recently seen webhook event ids so a redelivered
// payload does not run business logic twice. Purely in-memory: a restart
// forgets everything, trading a duplicate after crash for zero I/O on the
// hot path.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker builds a tracker and starts its sweep goroutine when
// sweepInterval is positive.
func NewTracker(ttl, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	t := &Tracker{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		done: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go t.sweepLoop(sweepInterval)
	}
	return t
}

// CheckAndMark reports whether eventID is new and records it in one step.
// An empty id cannot be deduplicated and is always treated as new.
func (t *Tracker) CheckAndMark(eventID string) bool {
	if eventID == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.seen[eventID]; ok && time.Since(at) < t.ttl {
		return false
	}
	t.seen[eventID] = time.Now()
	return true
}

// Seen reports whether eventID was marked within the TTL.
func (t *Tracker) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[eventID]
	return ok && time.Since(at) < t.ttl
}

// Mark records eventID without checking it.
func (t *Tracker) Mark(eventID string) {
	if eventID == "" {
		return
	}
	t.mu.Lock()
	t.seen[eventID] = time.Now()
	t.mu.Unlock()
}

// Len reports the number of tracked ids, expired or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range t.seen {
		if time.Since(at) >= t.ttl {
			delete(t.seen, id)
		}
	}
}

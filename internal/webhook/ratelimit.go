package webhook

import (
	"sync"
	"time"
)

// maxTrackedSenders caps the number of tracked senders to prevent memory
// exhaustion from attackers rotating source numbers.
const maxTrackedSenders = 4096

type senderWindow struct {
	windowStart time.Time
	count       int
}

// SenderLimiter bounds how many messages a single sender may push through
// the bridge per fixed window. Safe for concurrent use.
type SenderLimiter struct {
	mu      sync.Mutex
	entries map[string]*senderWindow
	maxHits int
	window  time.Duration
}

// NewSenderLimiter creates a limiter allowing maxHits events per sender per
// window. A maxHits of zero or less disables limiting.
func NewSenderLimiter(maxHits int, window time.Duration) *SenderLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SenderLimiter{
		entries: make(map[string]*senderWindow),
		maxHits: maxHits,
		window:  window,
	}
}

// Allow returns true if the sender is within its rate limit. Stale entries
// are pruned when the tracked-key cap is reached.
func (l *SenderLimiter) Allow(sender string) bool {
	if l.maxHits <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if len(l.entries) >= maxTrackedSenders {
		for k, e := range l.entries {
			if now.Sub(e.windowStart) >= l.window {
				delete(l.entries, k)
			}
		}
		for len(l.entries) >= maxTrackedSenders {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[sender]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[sender] = &senderWindow{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= l.maxHits
}

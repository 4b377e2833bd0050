// Package idempotency persists delivery results keyed by caller-supplied
// idempotency keys, so re-submitted work is answered from the ledger
// instead of reaching the provider twice.
package idempotency

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultTTL keeps records long enough to cover provider redeliveries
	// and same-day re-submissions.
	DefaultTTL = 24 * time.Hour

	// DefaultSweepInterval bounds ledger growth between restarts.
	DefaultSweepInterval = time.Hour
)

// Record is what a successful delivery left behind.
type Record struct {
	ResultID   string    `json:"resultId"`
	Channel    string    `json:"channel"`
	RecordedAt time.Time `json:"timestamp"`
}

// Ledger is a key to Record table held in memory and flushed to disk on
// every mutation. Writes go to a temp file in the same directory and are
// renamed into place, so a crash mid-write never corrupts the last durable
// state.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]Record
	ttl     time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// Open loads the ledger at path. A missing file starts empty; a malformed
// one is logged and discarded, trading idempotency across that restart for
// a process that always comes up.
func Open(path string, ttl time.Duration) (*Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Ledger{
		path:    path,
		entries: make(map[string]Record),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read idempotency ledger: %w", err)
	default:
		if jsonErr := json.Unmarshal(data, &l.entries); jsonErr != nil {
			slog.Warn("idempotency ledger unreadable, starting empty", "path", path, "error", jsonErr)
			l.entries = make(map[string]Record)
		}
	}
	return l, nil
}

// Start launches the periodic expiry sweep. Callers that Start must Close.
func (l *Ledger) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go l.sweepLoop(interval)
}

// Close stops the sweep loop. Safe to call more than once.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Lookup returns the record for key when one exists inside the TTL.
// Expired records are dropped from memory lazily; the file catches up on
// the next flush.
func (l *Ledger) Lookup(key string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.entries[key]
	if !ok {
		return Record{}, false
	}
	if time.Since(rec.RecordedAt) >= l.ttl {
		delete(l.entries, key)
		return Record{}, false
	}
	return rec, true
}

// Record stores the delivery result under key and flushes the ledger.
func (l *Ledger) Record(key, channel, resultID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = Record{
		ResultID:   resultID,
		Channel:    channel,
		RecordedAt: time.Now(),
	}
	return l.saveLocked()
}

// Len reports live (non-expired) records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.entries {
		if time.Since(rec.RecordedAt) < l.ttl {
			n++
		}
	}
	return n
}

// Sweep removes expired records and flushes when anything was dropped.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, rec := range l.entries {
		if time.Since(rec.RecordedAt) >= l.ttl {
			delete(l.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := l.saveLocked(); err != nil {
		slog.Warn("idempotency ledger flush failed after sweep", "error", err)
		return
	}
	slog.Debug("idempotency ledger swept", "removed", removed, "remaining", len(l.entries))
}

func (l *Ledger) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.done:
			return
		}
	}
}

// saveLocked writes the whole table to a temp file next to the ledger and
// renames it into place.
func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal idempotency ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "idempotency-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	cleanup = false

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

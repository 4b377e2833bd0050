// Package handoff pauses automated replies for individual numbers so a
// human can take over the conversation.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/zapbridge/internal/identity"
)

// ErrInvalidNumber rejects identifiers that do not normalize to a valid
// canonical number.
var ErrInvalidNumber = errors.New("invalid number")

// DefaultDuration is the handoff window applied when the caller does not
// pick one.
const DefaultDuration = 30 * time.Minute

// Entry is one active handoff.
type Entry struct {
	Number      string    `json:"number"`
	ActivatedBy string    `json:"activatedBy"`
	ActivatedAt time.Time `json:"activatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Active reports whether the entry is still in force at t.
func (e Entry) Active(t time.Time) bool {
	return e.ExpiresAt.After(t)
}

type fileFormat struct {
	Entries []Entry `json:"entries"`
}

// Store keeps at most one handoff per normalized number, persisted as a
// single JSON document rewritten atomically on every mutation. The file is
// re-read when its mtime moves, so the serve process and the CLI can both
// mutate it without stepping on each other's view.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Entry

	loadedMod  time.Time
	loadedSize int64
}

// Open loads the store at path. Missing files start empty; malformed files
// are logged and discarded. Entries that expired before load are dropped.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Activate pauses number for d, replacing any existing handoff so the
// window resets instead of stacking.
func (s *Store) Activate(number, activatedBy string, d time.Duration) (Entry, error) {
	num := identity.Normalize(number)
	if !identity.IsValid(num) {
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidNumber, identity.Mask(number))
	}
	if d <= 0 {
		d = DefaultDuration
	}
	now := time.Now()
	entry := Entry{
		Number:      num,
		ActivatedBy: activatedBy,
		ActivatedAt: now,
		ExpiresAt:   now.Add(d),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	kept := make([]Entry, 0, len(s.entries)+1)
	for _, e := range s.entries {
		if e.Number != num && e.Active(now) {
			kept = append(kept, e)
		}
	}
	s.entries = append(kept, entry)
	if err := s.saveLocked(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Deactivate lifts the handoff for number. The bool reports whether one
// was present.
func (s *Store) Deactivate(number string) (bool, error) {
	num := identity.Normalize(number)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	removed := false
	kept := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Number == num {
			removed = true
			continue
		}
		if e.Active(now) {
			kept = append(kept, e)
		}
	}
	if !removed {
		return false, nil
	}
	s.entries = kept
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// IsActive returns the live handoff for number, if any.
func (s *Store) IsActive(number string) (Entry, bool) {
	num := identity.Normalize(number)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for _, e := range s.entries {
		if e.Number == num && e.Active(now) {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns all live handoffs.
func (s *Store) List() []Entry {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	live := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Active(now) {
			live = append(live, e)
		}
	}
	return live
}

// refreshLocked re-reads the file when another process changed it.
func (s *Store) refreshLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(s.loadedMod) && info.Size() == s.loadedSize {
		return
	}
	if err := s.loadLocked(); err != nil {
		slog.Warn("handoff store reload failed", "path", s.path, "error", err)
	}
}

func (s *Store) loadLocked() error {
	s.entries = nil
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("read handoff store: %w", err)
	}

	var f fileFormat
	if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
		slog.Warn("handoff store unreadable, starting empty", "path", s.path, "error", jsonErr)
	} else {
		now := time.Now()
		for _, e := range f.Entries {
			if e.Active(now) {
				s.entries = append(s.entries, e)
			}
		}
	}

	if info, statErr := os.Stat(s.path); statErr == nil {
		s.loadedMod = info.ModTime()
		s.loadedSize = info.Size()
	}
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(fileFormat{Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handoff store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handoff directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "handoff-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp handoff file: %w", err)
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
		return fmt.Errorf("write temp handoff file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp handoff file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp handoff file: %w", err)
	}
	cleanup = false

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace handoff file: %w", err)
	}

	if info, statErr := os.Stat(s.path); statErr == nil {
		s.loadedMod = info.ModTime()
		s.loadedSize = info.Size()
	}
	return nil
}

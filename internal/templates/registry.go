// Package templates manages the catalog of pre-approved outbound message
// templates. The catalog is a JSON5 file edited by operators; the registry
// keeps an in-memory copy and can hot-reload it on file changes.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Template is a pre-approved message body with positional {{1}}..{{n}}
// parameters.
type Template struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Body     string `json:"body"`
	// Params is the declared parameter count. Zero means inferred from
	// the highest placeholder index in Body.
	Params int `json:"params,omitempty"`
}

// ValidationError reports a template misuse the caller can fix.
type ValidationError struct {
	Template string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
}

type catalog struct {
	Templates []Template `json:"templates"`
}

// Registry holds the loaded catalog. All methods are safe for concurrent
// use; Reload swaps the whole catalog at once.
type Registry struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	templates map[string]Template
}

// Open reads the catalog at path. A missing file yields an empty registry;
// a malformed one is an error.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:      path,
		templates: make(map[string]Template),
		log:       slog.Default().With("component", "templates"),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Info("no template catalog, starting empty", "path", path)
			return r, nil
		}
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	parsed, err := parseCatalog(data)
	if err != nil {
		return nil, err
	}
	r.templates = parsed
	return r, nil
}

// Reload re-reads the catalog file. On any error the previous catalog
// stays in place.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read template catalog: %w", err)
	}
	parsed, err := parseCatalog(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = parsed
	r.mu.Unlock()
	return nil
}

func parseCatalog(data []byte) (map[string]Template, error) {
	var c catalog
	if err := json5.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	parsed := make(map[string]Template, len(c.Templates))
	for _, t := range c.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template with empty name")
		}
		if t.Body == "" {
			return nil, fmt.Errorf("template %q has no body", t.Name)
		}
		if _, dup := parsed[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.Name)
		}
		if t.Params == 0 {
			t.Params = inferParams(t.Body)
		}
		parsed[t.Name] = t
	}
	return parsed, nil
}

var placeholderRe = regexp.MustCompile(`\{\{(\d+)\}\}`)

func inferParams(body string) int {
	max := 0
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names lists the catalog, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the catalog size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Render substitutes params into the named template's body. Unknown names
// and parameter count mismatches return a *ValidationError.
func (r *Registry) Render(name string, params []string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", &ValidationError{Template: name, Reason: "not in the catalog"}
	}
	if len(params) != t.Params {
		return "", &ValidationError{
			Template: name,
			Reason:   fmt.Sprintf("takes %d parameters, got %d", t.Params, len(params)),
		}
	}
	body := t.Body
	for i, p := range params {
		body = strings.ReplaceAll(body, "{{"+strconv.Itoa(i+1)+"}}", p)
	}
	return body, nil
}

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx ends.
// The directory is watched rather than the file itself: atomic saves
// replace the file by rename, which would orphan a watch on the old inode.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(r.path)
	go func() {
		defer watcher.Close()
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				timer.Reset(watchDebounce)
			case <-timer.C:
				if err := r.Reload(); err != nil {
					r.log.Warn("template reload failed, keeping previous catalog", "error", err)
					continue
				}
				r.log.Info("templates reloaded", "count", r.Len())
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("template watcher error", "error", werr)
			}
		}
	}()
	return nil
}

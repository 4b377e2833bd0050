package cache

import "golang.org/x/sync/singleflight"

// Group collapses concurrent lookups for the same key into one outstanding
// call. The in-flight marker is dropped as soon as the call settles, so a
// failed lookup is retried by the next caller instead of being pinned.
type Group[V any] struct {
	sf singleflight.Group
}

// Do invokes fn at most once per key across all concurrent callers and
// hands every waiter the same result or error.
func (g *Group[V]) Do(key string, fn func() (V, error)) (V, error) {
	v, err, _ := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

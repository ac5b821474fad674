// Package cache provides a shared, time-bounded key/value store used as a read-through layer in
// front of upstream fetches.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
	Evicted uint64 `json:"evicted"`
}

// Options configures a Store.
type Options struct {
	// Coalesce makes concurrent misses on the same key share one load
	Coalesce bool

	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// DefaultOptions returns a store without request coalescing on the wall clock.
func DefaultOptions() Options {
	return Options{Now: time.Now}
}

// Store is a concurrency-safe map of values with per-entry expiry. Expired entries are never
// returned; they are dropped lazily on read and in bulk by Sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	opts    Options
	group   singleflight.Group

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		entries: make(map[string]entry),
		opts:    opts,
	}
}

// Get returns the live value stored under key.
func (s *Store) Get(key string) (any, bool) {
	now := s.opts.Now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, false
	}

	if !now.Before(e.expiresAt) {
		s.mu.Lock()
		// re-check: a writer may have refreshed the entry in between
		if cur, still := s.entries[key]; still && !now.Before(cur.expiresAt) {
			delete(s.entries, key)
			s.evicted.Add(1)
		}
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return e.value, true
}

// Set stores value under key for ttl, replacing any previous entry. A non-positive ttl stores
// nothing.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: s.opts.Now().Add(ttl)}
	s.mu.Unlock()
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes all expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.opts.Now()

	s.mu.Lock()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.evicted.Add(uint64(removed))
		logrus.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": s.Len(),
		}).Debug("Cache sweep complete")
	}
	return removed
}

// Stats returns counters accumulated since creation.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: s.Len(),
		Evicted: s.evicted.Load(),
	}
}

// Remember is a typed read-through helper: it returns a copy of the cached value under key, or
// calls load, stores its result for ttl and returns a copy of that. Failed loads are not cached.
// clone may be nil for values without shared references.
func Remember[V any](ctx context.Context, s *Store, key string, ttl time.Duration, clone func(V) V, load func(context.Context) (V, error)) (V, error) {
	if clone == nil {
		clone = func(v V) V { return v }
	}

	if v, ok := s.Get(key); ok {
		if typed, ok := v.(V); ok {
			return clone(typed), nil
		}
		logrus.WithField("key", key).Warn("Cached value has unexpected type, reloading")
	}

	fill := func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(key, clone(v), ttl)
		return v, nil
	}

	if !s.opts.Coalesce {
		v, err := fill()
		if err != nil {
			var zero V
			return zero, err
		}
		return v.(V), nil
	}

	v, err, shared := s.group.Do(key, fill)
	if err != nil {
		var zero V
		return zero, err
	}
	if shared {
		return clone(v.(V)), nil
	}
	return v.(V), nil
}

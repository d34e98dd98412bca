// Package cache provides an in-process TTL cache with namespaced keys,
// prefix invalidation, and hit/miss statistics.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const janitorInterval = time.Minute

// Stats holds cache observability counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Store is the cache contract. A disabled store is a valid Store whose
// operations are no-ops returning well-typed empty results.
type Store interface {
	Start() error
	Stop() error

	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	DeletePrefix(prefix string) int
	Exists(key string) bool
	Clear()

	Stats() Stats
	ResetStats()
}

// Compile-time interface checks.
var (
	_ Store = (*memoryStore)(nil)
	_ Store = (*disabledStore)(nil)
)

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memoryStore struct {
	log        logrus.FieldLogger
	defaultTTL time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]entry

	hits   atomic.Uint64
	misses atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an in-memory Store. When enabled is false the returned
// Store is a no-op so callers need no branching. defaultTTL applies when
// Set is called with a non-positive ttl; maxEntries <= 0 means unbounded.
func New(
	log logrus.FieldLogger,
	enabled bool,
	defaultTTL time.Duration,
	maxEntries int,
) Store {
	if !enabled {
		return &disabledStore{}
	}

	return &memoryStore{
		log:        log.WithField("component", "cache"),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    make(map[string]entry, 256),
		done:       make(chan struct{}),
	}
}

// Start launches the background janitor that evicts expired entries.
func (s *memoryStore) Start() error {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.evictExpired()
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// Stop terminates the janitor.
func (s *memoryStore) Stop() error {
	close(s.done)
	s.wg.Wait()

	return nil
}

func (s *memoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		s.misses.Add(1)

		return nil, false
	}

	s.hits.Add(1)

	return e.value, true
}

func (s *memoryStore) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		if _, exists := s.entries[key]; !exists {
			s.evictOneLocked()
		}
	}

	s.entries[key] = entry{value: value, expiresAt: expiresAt}
}

func (s *memoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns the number of entries removed.
func (s *memoryStore) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			n++
		}
	}

	if n > 0 {
		s.log.WithField("prefix", prefix).
			WithField("count", n).
			Debug("Invalidated cache entries")
	}

	return n
}

func (s *memoryStore) Exists(key string) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	return ok && !e.expired(time.Now())
}

func (s *memoryStore) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry, 256)
	s.mu.Unlock()
}

// Stats returns current counters. Counters survive Clear; they are only
// reset by ResetStats.
func (s *memoryStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:    hits,
		Misses:  misses,
		Entries: entries,
		HitRate: rate,
	}
}

func (s *memoryStore) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
}

func (s *memoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}

// evictOneLocked drops the entry closest to expiry to make room. Called
// with the write lock held.
func (s *memoryStore) evictOneLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)

	for key, e := range s.entries {
		if !found || (!e.expiresAt.IsZero() && e.expiresAt.Before(oldest)) {
			victim = key
			oldest = e.expiresAt
			found = true
		}
	}

	if found {
		delete(s.entries, victim)
	}
}

// disabledStore is the no-op Store used when caching is turned off.
type disabledStore struct{}

func (*disabledStore) Start() error                   { return nil }
func (*disabledStore) Stop() error                    { return nil }
func (*disabledStore) Get(string) (any, bool)         { return nil, false }
func (*disabledStore) Set(string, any, time.Duration) {}
func (*disabledStore) Delete(string)                  {}
func (*disabledStore) DeletePrefix(string) int        { return 0 }
func (*disabledStore) Exists(string) bool             { return false }
func (*disabledStore) Clear()                         {}
func (*disabledStore) Stats() Stats                   { return Stats{} }
func (*disabledStore) ResetStats()                    {}

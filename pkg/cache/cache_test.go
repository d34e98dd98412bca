package cache_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
)

func newStore(t *testing.T) cache.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := cache.New(log, true, time.Minute, 0)
	require.NoError(t, s.Start())

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newStore(t)

	s.Set("k", "v", time.Minute)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.True(t, s.Exists("k"))

	s.Delete("k")

	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.False(t, s.Exists("k"))
}

func TestExpiry(t *testing.T) {
	s := newStore(t)

	s.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.False(t, s.Exists("k"))
}

func TestKeyIsolationAcrossInstances(t *testing.T) {
	s := newStore(t)

	keyA := cache.Key(cache.KindProjects, 1)
	keyB := cache.Key(cache.KindProjects, 2)

	s.Set(keyA, []string{"proj-a"}, time.Minute)

	// Instance B's key for the same resource kind must stay empty.
	_, ok := s.Get(keyB)
	assert.False(t, ok)

	// Invalidating instance A must not touch instance B.
	s.Set(keyB, []string{"proj-b"}, time.Minute)
	cache.InvalidateInstance(s, 1)

	_, ok = s.Get(keyA)
	assert.False(t, ok)

	v, ok := s.Get(keyB)
	require.True(t, ok)
	assert.Equal(t, []string{"proj-b"}, v)
}

func TestDeletePrefix(t *testing.T) {
	s := newStore(t)

	s.Set(cache.Key(cache.KindUsers, 7), 1, time.Minute)
	s.Set(cache.Key(cache.KindUsers, 7, "42"), 2, time.Minute)
	s.Set(cache.Key(cache.KindUsers, 8), 3, time.Minute)

	// KindPrefix covers sub-keys only; the bare kind key survives.
	removed := s.DeletePrefix(cache.KindPrefix(cache.KindUsers, 7))
	assert.Equal(t, 1, removed)
	assert.True(t, s.Exists(cache.Key(cache.KindUsers, 7)))
	assert.True(t, s.Exists(cache.Key(cache.KindUsers, 8)))
}

func TestInvalidateKind(t *testing.T) {
	s := newStore(t)

	s.Set(cache.Key(cache.KindUsers, 7), 1, time.Minute)
	s.Set(cache.Key(cache.KindUsers, 7, "42"), 2, time.Minute)
	s.Set(cache.Key(cache.KindUsers, 8), 3, time.Minute)

	cache.InvalidateKind(s, cache.KindUsers, 7)

	assert.False(t, s.Exists(cache.Key(cache.KindUsers, 7)))
	assert.False(t, s.Exists(cache.Key(cache.KindUsers, 7, "42")))
	assert.True(t, s.Exists(cache.Key(cache.KindUsers, 8)))
}

func TestInvalidationIgnoresDecimalPrefixNeighbors(t *testing.T) {
	s := newStore(t)

	// Instance IDs 10 and 100 share instance 1's decimal prefix; an
	// invalidation of instance 1 must not reach them.
	s.Set(cache.Key(cache.KindProjects, 1), "one", time.Minute)
	s.Set(cache.Key(cache.KindProjects, 10), "ten", time.Minute)
	s.Set(cache.Key(cache.KindProjects, 100), "hundred", time.Minute)
	s.Set(cache.Key(cache.KindProjects, 10, "5"), "ten-child", time.Minute)

	cache.InvalidateInstance(s, 1)

	assert.False(t, s.Exists(cache.Key(cache.KindProjects, 1)))
	assert.True(t, s.Exists(cache.Key(cache.KindProjects, 10)))
	assert.True(t, s.Exists(cache.Key(cache.KindProjects, 100)))
	assert.True(t, s.Exists(cache.Key(cache.KindProjects, 10, "5")))
}

func TestStats(t *testing.T) {
	s := newStore(t)

	s.Set("k", "v", time.Minute)

	_, _ = s.Get("k")
	_, _ = s.Get("k")
	_, _ = s.Get("missing")

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 0.001)

	// Counter reset is independent of cached data.
	s.ResetStats()

	st = s.Stats()
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.Misses)
	assert.True(t, s.Exists("k"))
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	log := logrus.New()
	s := cache.New(log, false, time.Minute, 0)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	s.Set("k", "v", time.Minute)

	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.False(t, s.Exists("k"))
	assert.Zero(t, s.Stats().Misses)
}

func TestMaxEntriesEviction(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := cache.New(log, true, time.Minute, 2)
	require.NoError(t, s.Start())

	t.Cleanup(func() { _ = s.Stop() })

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)
	s.Set("c", 3, time.Minute)

	assert.Equal(t, 2, s.Stats().Entries)
	assert.True(t, s.Exists("c"), "newest entry must survive eviction")
}

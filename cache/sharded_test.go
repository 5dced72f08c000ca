package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// memSecondary is a map-backed SecondaryCache for tests. It counts
// operations so demotion and promotion paths can be asserted precisely.
type memSecondary struct {
	mu      sync.Mutex
	data    map[string][]byte
	roles   map[string]Role
	lookups atomic.Int64
	inserts atomic.Int64
	failing bool
}

func newMemSecondary() *memSecondary {
	return &memSecondary{
		data:  make(map[string][]byte),
		roles: make(map[string]Role),
	}
}

func (m *memSecondary) Name() string { return "mem" }

func (m *memSecondary) Insert(key, data []byte, role Role) error {
	m.inserts.Add(1)
	if m.failing {
		return errors.New("mem: injected insert failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), data...)
	m.roles[string(key)] = role
	return nil
}

func (m *memSecondary) Lookup(key []byte) ([]byte, Role, error) {
	m.lookups.Add(1)
	if m.failing {
		return nil, 0, errors.New("mem: injected lookup failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[string(key)]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), d...), m.roles[string(key)], nil
}

func (m *memSecondary) Close() error { return nil }

func (m *memSecondary) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// stringCodec moves string values across the tier boundary and counts
// decodes, which equals the number of actual promotions.
type stringCodec struct{ decodes atomic.Int64 }

func (c *stringCodec) Encode(v any) ([]byte, error) { return []byte(v.(string)), nil }

func (c *stringCodec) Decode(data []byte) (any, uint64, error) {
	c.decodes.Add(1)
	return string(data), uint64(len(data)), nil
}

// Keys spread across many shards must all remain reachable, with
// aggregated statistics adding up.
func TestSharded_ManyShards(t *testing.T) {
	t.Parallel()

	c := NewLRU(Options{Capacity: 10_000, NumShardBits: 4})
	t.Cleanup(func() { _ = c.Close() })

	const n = 1000
	for i := 0; i < n; i++ {
		mustInsert(t, c, fmt.Sprintf("key:%d", i), i, 1, PriorityLow)
	}
	for i := 0; i < n; i++ {
		h := c.Lookup([]byte(fmt.Sprintf("key:%d", i)))
		if h == nil {
			t.Fatalf("key:%d must be resident", i)
		}
		if got := h.Value().(int); got != i {
			t.Fatalf("key:%d: want %d, got %d", i, i, got)
		}
		h.Release()
	}
	if got := c.Usage(); got != n {
		t.Fatalf("Usage: want %d, got %d", n, got)
	}
	if got := c.OccupancyCount(); got != n {
		t.Fatalf("OccupancyCount: want %d, got %d", n, got)
	}
}

// A capacity eviction demotes the victim to the secondary tier; a later
// primary miss promotes it back, preserving value and role.
func TestSharded_SecondaryDemoteAndPromote(t *testing.T) {
	t.Parallel()

	sec := newMemSecondary()
	codec := &stringCodec{}
	c := NewLRU(Options{
		Capacity:       2,
		NumShardBits:   0,
		SecondaryCache: sec,
		Codec:          codec,
	})
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "k1", "v1", 1, PriorityLow)
	mustInsert(t, c, "k2", "v2", 1, PriorityLow)
	mustInsert(t, c, "k3", "v3", 1, PriorityLow) // evicts k1

	if !sec.has("k1") {
		t.Fatal("evicted entry must be demoted to the secondary tier")
	}

	h := c.Lookup([]byte("k1"))
	if h == nil {
		t.Fatal("miss must be served from the secondary tier")
	}
	if got := h.Value().(string); got != "v1" {
		t.Fatalf("promoted value: want v1, got %q", got)
	}
	h.Release()

	if got := codec.decodes.Load(); got != 1 {
		t.Fatalf("promotion must decode exactly once, got %d", got)
	}

	// The promoted entry is resident again: no second tier round trip.
	before := sec.lookups.Load()
	if !hit(c, "k1") {
		t.Fatal("promoted entry must be resident")
	}
	if got := sec.lookups.Load(); got != before {
		t.Fatalf("resident hit must not consult the secondary tier")
	}
}

// Erase and displacement invalidate the value, so neither demotes.
func TestSharded_SecondarySkipsInvalidated(t *testing.T) {
	t.Parallel()

	sec := newMemSecondary()
	c := NewLRU(Options{
		Capacity:       10,
		NumShardBits:   0,
		SecondaryCache: sec,
		Codec:          &stringCodec{},
	})
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "erased", "v", 1, PriorityLow)
	c.Erase([]byte("erased"))

	mustInsert(t, c, "replaced", "old", 1, PriorityLow)
	mustInsert(t, c, "replaced", "new", 1, PriorityLow)

	if sec.has("erased") {
		t.Fatal("erased entries must not be demoted")
	}
	if sec.has("replaced") {
		t.Fatal("displaced entries must not be demoted")
	}
}

// A broken secondary tier degrades to plain misses and discarded
// demotions; it never surfaces errors or disturbs the primary.
func TestSharded_SecondaryErrorsAbsorbed(t *testing.T) {
	t.Parallel()

	sec := newMemSecondary()
	sec.failing = true
	c := NewLRU(Options{
		Capacity:       2,
		NumShardBits:   0,
		SecondaryCache: sec,
		Codec:          &stringCodec{},
	})
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "k1", "v1", 1, PriorityLow)
	mustInsert(t, c, "k2", "v2", 1, PriorityLow)
	mustInsert(t, c, "k3", "v3", 1, PriorityLow) // demotion of k1 fails silently

	if c.Lookup([]byte("k1")) != nil {
		t.Fatal("failed promotion must look like a miss")
	}
	if !hit(c, "k2") || !hit(c, "k3") {
		t.Fatal("primary entries must be unaffected")
	}
}

// A miss storm on one key deserializes the secondary value once, or at
// worst a handful of times; every caller still gets a hit.
func TestSharded_SecondaryPromotionCoalesced(t *testing.T) {
	sec := newMemSecondary()
	codec := &stringCodec{}
	c := NewLRU(Options{
		Capacity:       64,
		NumShardBits:   0,
		SecondaryCache: sec,
		Codec:          codec,
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := sec.Insert([]byte("hot"), []byte("payload"), RoleDataBlock); err != nil {
		t.Fatal(err)
	}

	const goroutines = 64
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			<-start
			h := c.Lookup([]byte("hot"))
			if h == nil {
				return errors.New("expected a promoted hit")
			}
			defer h.Release()
			if got := h.Value().(string); got != "payload" {
				return fmt.Errorf("got %q", got)
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := codec.decodes.Load(); got < 1 || got > 3 {
		t.Fatalf("promotion must be coalesced: %d decodes for %d lookups", got, goroutines)
	}
}

// countingMetrics tallies Hit and Miss callbacks so per-lookup accounting
// can be asserted exactly.
type countingMetrics struct {
	NoopMetrics
	hits   atomic.Int64
	misses atomic.Int64
}

func (m *countingMetrics) Hit()  { m.hits.Add(1) }
func (m *countingMetrics) Miss() { m.misses.Add(1) }

// A lookup served by the secondary tier is one logical miss: the retry
// that pins the promoted entry must not be recorded on top of it.
func TestSharded_SecondaryLookupCountsOnce(t *testing.T) {
	t.Parallel()

	sec := newMemSecondary()
	m := &countingMetrics{}
	c := NewLRU(Options{
		Capacity:       2,
		NumShardBits:   0,
		SecondaryCache: sec,
		Codec:          &stringCodec{},
		Metrics:        m,
	})
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "k1", "v1", 1, PriorityLow)
	mustInsert(t, c, "k2", "v2", 1, PriorityLow)
	mustInsert(t, c, "k3", "v3", 1, PriorityLow) // demotes k1

	h := c.Lookup([]byte("k1"))
	if h == nil {
		t.Fatal("miss must be served from the secondary tier")
	}
	h.Release()
	if got := m.misses.Load(); got != 1 {
		t.Fatalf("secondary-served lookup must record one miss, got %d", got)
	}
	if got := m.hits.Load(); got != 0 {
		t.Fatalf("secondary-served lookup must not record a hit, got %d", got)
	}

	// Now resident: the next lookup is a plain primary hit.
	if !hit(c, "k1") {
		t.Fatal("promoted entry must be resident")
	}
	if got := m.hits.Load(); got != 1 {
		t.Fatalf("resident lookup must record one hit, got %d", got)
	}
	if got := m.misses.Load(); got != 1 {
		t.Fatalf("resident lookup must not record a miss, got %d", got)
	}
}

// The secondary tier is ignored unless a codec is configured with it.
func TestSharded_SecondaryRequiresCodec(t *testing.T) {
	t.Parallel()

	sec := newMemSecondary()
	c := NewLRU(Options{
		Capacity:       1,
		NumShardBits:   0,
		SecondaryCache: sec, // no Codec
	})
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "k1", "v1", 1, PriorityLow)
	mustInsert(t, c, "k2", "v2", 1, PriorityLow) // evicts k1

	if got := sec.inserts.Load(); got != 0 {
		t.Fatalf("tier without a codec must never be written, got %d inserts", got)
	}
	if c.Lookup([]byte("k1")) != nil {
		t.Fatal("tier without a codec must never serve lookups")
	}
}

package cache

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
)

// benchmarkMix exercises a read/write mix against a warm cache.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// String keys include strconv/concat costs and often allocate, which is fine
// for an end-to-end benchmark.
func benchmarkMix(b *testing.B, c Cache, readsPct int) {
	b.Cleanup(func() { _ = c.Close() })

	// Preload half the capacity to get a realistic hit-rate.
	for i := 0; i < 50_000; i++ {
		k := []byte("k:" + strconv.Itoa(i))
		if h, err := c.Insert(k, i, 1, PriorityLow, RoleDataBlock); err == nil {
			h.Release()
		}
	}

	// Report per-op allocations for a rough idea where costs go.
	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1 // hot keyspace (power of two for fast &-mask)

	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream for each worker.
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := []byte("k:" + strconv.Itoa(i&keyMask))
			if r.Intn(100) < readsPct {
				if h := c.Lookup(k); h != nil {
					h.Release()
				}
			} else {
				if h, err := c.Insert(k, i, 1, PriorityLow, RoleDataBlock); err == nil {
					h.Release()
				}
			}
			i++
		}
	})
}

func newBenchLRU() Cache {
	return NewLRU(Options{Capacity: 100_000, HighPriPoolRatio: 0.5})
}

func newBenchClock() Cache {
	return NewClock(Options{Capacity: 100_000, EstimatedEntryCharge: 1})
}

func BenchmarkLRU_90r10w(b *testing.B) { benchmarkMix(b, newBenchLRU(), 90) }
func BenchmarkLRU_50r50w(b *testing.B) { benchmarkMix(b, newBenchLRU(), 50) }

func BenchmarkClock_90r10w(b *testing.B) { benchmarkMix(b, newBenchClock(), 90) }
func BenchmarkClock_50r50w(b *testing.B) { benchmarkMix(b, newBenchClock(), 50) }

// benchmarkLookupHot measures the pure hit path: one resident key, all
// readers. This is the operation the lock-free variant is built for.
func benchmarkLookupHot(b *testing.B, c Cache) {
	b.Cleanup(func() { _ = c.Close() })

	key := []byte("hot")
	if h, err := c.Insert(key, "v", 1, PriorityHigh, RoleIndexBlock); err == nil {
		h.Release()
	}

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if h := c.Lookup(key); h != nil {
				h.Release()
			}
		}
	})
}

func BenchmarkLRU_LookupHot(b *testing.B)   { benchmarkLookupHot(b, newBenchLRU()) }
func BenchmarkClock_LookupHot(b *testing.B) { benchmarkLookupHot(b, newBenchClock()) }

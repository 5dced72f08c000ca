package cache

import "fmt"

// MetadataChargePolicy controls whether per-entry bookkeeping overhead
// counts against capacity in addition to the caller-supplied charge.
type MetadataChargePolicy uint8

const (
	// DontChargeMetadata — only the caller-supplied charge counts.
	DontChargeMetadata MetadataChargePolicy = iota
	// FullChargeMetadata — an estimate of the cache's own per-entry
	// overhead (struct plus key bytes) is added to every charge.
	FullChargeMetadata
)

// DeleterFunc destroys a value once the cache is done with it: after the
// entry is evicted or erased and its last handle is released. It runs
// exactly once per entry, possibly on an arbitrary goroutine; keep it fast.
type DeleterFunc func(key []byte, value any)

// Options configures cache construction. Capacity is required; everything
// else has a usable zero value. Fields specific to one variant are ignored
// by the other.
type Options struct {
	// Capacity bounds the sum of entry charges, in caller-defined units
	// (commonly bytes).
	Capacity uint64

	// NumShardBits selects 2^bits shards. -1 derives it from Capacity so
	// every shard holds at least 512 KiB, capped at 6 bits. 0 means a
	// single shard, which is useful for deterministic tests.
	NumShardBits int

	// StrictCapacityLimit makes Insert fail with ErrCacheFull instead of
	// over-committing when eviction cannot free enough charge.
	StrictCapacityLimit bool

	// MetadataChargePolicy defaults to DontChargeMetadata.
	MetadataChargePolicy MetadataChargePolicy

	// Deleter is invoked exactly once when an entry is destroyed.
	Deleter DeleterFunc

	// Allocator supplies buffers to tiers that serialize values.
	// Nil means the Go heap.
	Allocator Allocator

	// SecondaryCache, when set together with Codec, receives evicted
	// entries and is consulted on primary misses. The cache does not take
	// ownership; Close leaves it running.
	SecondaryCache SecondaryCache

	// Codec serializes values for the secondary tier. Required for the
	// secondary tier to participate; without it the tier is ignored.
	Codec Codec

	// PromotionPriority is the priority used when re-inserting a value
	// promoted from the secondary tier. Zero value is PriorityLow.
	PromotionPriority Priority

	// Metrics defaults to NoopMetrics.
	Metrics Metrics

	// HighPriPoolRatio and LowPriPoolRatio (LRU variant only) reserve
	// fractions of each shard's capacity for the high- and low-priority
	// pools. Each must be in [0,1] and their sum must not exceed 1; the
	// remainder belongs to the always-present bottom pool. Zero ratios
	// mean a single bottom pool; the classic midpoint-insertion setup is
	// HighPriPoolRatio: 0.5.
	HighPriPoolRatio float64
	LowPriPoolRatio  float64

	// EstimatedEntryCharge (CLOCK variant only, required) sizes the fixed
	// hash table at construction time: slot count ≈ capacity / estimate,
	// adjusted for load factor. Underestimating inflates per-entry
	// metadata cost; overestimating risks an overloaded table and
	// pre-emptive eviction. A reasonable choice is the typical block size.
	EstimatedEntryCharge uint64
}

// withDefaults validates opt and fills in defaults.
// Misconfiguration is a programming error, so it panics (there is no
// useful way to run with, say, a zero capacity).
func (opt Options) withDefaults() Options {
	if opt.Capacity == 0 {
		panic("blockcache: Capacity must be > 0")
	}
	if opt.NumShardBits > 20 {
		panic("blockcache: NumShardBits too large (max 20)")
	}
	if opt.HighPriPoolRatio < 0 || opt.HighPriPoolRatio > 1 ||
		opt.LowPriPoolRatio < 0 || opt.LowPriPoolRatio > 1 ||
		opt.HighPriPoolRatio+opt.LowPriPoolRatio > 1 {
		panic(fmt.Sprintf("blockcache: invalid pool ratios high=%v low=%v",
			opt.HighPriPoolRatio, opt.LowPriPoolRatio))
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Allocator == nil {
		opt.Allocator = DefaultAllocator()
	}
	return opt
}

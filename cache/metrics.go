package cache

// EvictReason explains why an entry left the cache index.
type EvictReason int

const (
	// EvictCapacity — removed to satisfy the capacity limit.
	EvictCapacity EvictReason = iota
	// EvictErase — removed by an explicit Erase.
	EvictErase
	// EvictReplace — displaced by an Insert over the same key.
	EvictReplace
)

// Metrics exposes cache-level observability hooks.
// Implementations must be safe for concurrent use; hooks may run under a
// shard lock, so keep them lightweight. A NoopMetrics implementation is
// provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	// Size reports a shard-local snapshot after a mutation: resident entry
	// count and total tracked charge.
	Size(entries int, usage int64)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                          {}
func (NoopMetrics) Miss()                         {}
func (NoopMetrics) Evict(EvictReason)             {}
func (NoopMetrics) Size(entries int, usage int64) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

package cache

// Allocator is a pluggable allocation strategy for byte buffers used by
// cache tiers that materialize serialized values (e.g. the compressed
// secondary cache). It decouples eviction logic from raw memory
// management; custom implementations can pool or arena-allocate.
type Allocator interface {
	// Allocate returns a buffer with len(buf) == n.
	Allocate(n int) []byte
	// Name identifies the allocator in stats and logs.
	Name() string
}

type heapAllocator struct{}

func (heapAllocator) Allocate(n int) []byte { return make([]byte, n) }
func (heapAllocator) Name() string          { return "heap" }

// DefaultAllocator returns the plain Go heap allocator.
func DefaultAllocator() Allocator { return heapAllocator{} }

package cache

import "errors"

// ErrCacheFull is returned by Insert when StrictCapacityLimit is set and
// evicting every unpinned entry in the shard still would not free enough
// charge for the new entry. The cache state is unchanged: the entry is not
// admitted and previously pinned entries remain valid.
var ErrCacheFull = errors.New("blockcache: insert would exceed strict capacity limit")

// ErrClosed is returned by Insert after Close.
var ErrClosed = errors.New("blockcache: cache is closed")

// ErrNotFound is the conventional miss result for SecondaryCache.Lookup.
var ErrNotFound = errors.New("blockcache: not found")

// Priority hints which eviction pool an entry should settle in.
// The zero value is PriorityLow, the right default for ordinary data blocks;
// index and filter blocks are commonly inserted at PriorityHigh.
type Priority uint8

const (
	// PriorityLow — ordinary entries.
	PriorityLow Priority = iota
	// PriorityHigh — entries worth retaining longer (index/filter blocks).
	PriorityHigh
	// PriorityBottom — entries expected to be useless soon (range scans).
	PriorityBottom
)

// Handle is a pinned reference to a cache entry. While a handle is
// outstanding the entry's value stays valid even if the entry is
// concurrently evicted or erased from the index.
//
// Release must be called exactly once per handle; a handle must not be
// used after Release. Handles are not safe for concurrent use by multiple
// goroutines, but independent handles to the same entry are.
type Handle interface {
	// Key returns a copy of the entry key.
	Key() []byte
	// Value returns the cached value as inserted.
	Value() any
	// Release drops the pin. When the last reference to an entry that was
	// already removed from the index is released, the entry is destroyed
	// (the cache's Deleter runs exactly once).
	Release()
}

// Cache is a capacity-bounded, sharded object cache.
// All methods are safe for concurrent use by multiple goroutines.
type Cache interface {
	// Insert adds key→value with the given charge against capacity.
	// The returned handle pins the entry; callers that only want the entry
	// resident should Release it immediately. Insert may evict other
	// unpinned entries in the same shard to make room. It fails with
	// ErrCacheFull only under StrictCapacityLimit.
	// An insert over an existing key displaces the old entry; outstanding
	// handles to the old entry remain valid.
	Insert(key []byte, value any, charge uint64, pri Priority, role Role) (Handle, error)

	// Lookup returns a pinned handle for key, or nil on miss.
	// A hit marks the entry as used, which biases retention.
	// With a secondary tier attached, a primary miss consults it and
	// re-inserts a deserialized value before retrying.
	Lookup(key []byte) Handle

	// Erase removes key from the index immediately, regardless of pins.
	// Physical destruction waits for the last outstanding handle.
	Erase(key []byte)

	// SetCapacity redistributes the new capacity evenly across shards.
	// Shrinking evicts unpinned entries down to the new bound.
	SetCapacity(capacity uint64)

	// Capacity returns the configured total capacity.
	Capacity() uint64

	// SetStrictCapacityLimit toggles insert failure on exhausted capacity.
	SetStrictCapacityLimit(strict bool)

	// Usage returns the total charge of all tracked entries, including
	// pinned entries and zombies awaiting their last release. Aggregation
	// across shards is best-effort, not a point-in-time snapshot.
	Usage() uint64

	// PinnedUsage returns the charge held by entries that cannot be
	// evicted right now (pinned entries and zombies).
	PinnedUsage() uint64

	// OccupancyCount returns the number of resident entries.
	OccupancyCount() uint64

	// UsageByRole returns a per-role breakdown of Usage.
	UsageByRole() map[Role]uint64

	// Close marks the cache closed. It does not release outstanding
	// handles and does not close an attached SecondaryCache (the caller
	// owns that collaborator).
	Close() error
}

// Package cache provides a capacity-bounded, sharded, in-process object
// cache for storage engines: reference-counted pinned entries, a
// priority-pool LRU eviction policy and a lock-free CLOCK alternative,
// per-role usage accounting, and an optional secondary tier for evicted
// but still useful values.
//
// Design
//
//   - Concurrency: the cache is split into 2^NumShardBits shards selected
//     by the top bits of an xxhash of the key. LRU shards serialize
//     mutation with one mutex each; CLOCK shards use per-slot atomic
//     state words and never block. There is no cross-shard coordination:
//     evictions, capacity checks and statistics are all shard-local.
//
//   - Pinning: Insert and Lookup return a Handle that pins the entry.
//     A pinned entry is never destroyed, even if concurrently evicted or
//     erased from the index; it lingers as a zombie until the last
//     Release. Reference counts are atomic, so a Release that does not
//     drop the last reference never takes a shard lock.
//
//   - Priorities: the LRU variant keeps three recency pools (high, low,
//     bottom) with configurable capacity shares. Entries settle in the
//     pool their priority hint allows; a cache hit promotes to the
//     highest pool regardless of the hint. Overflowing pools spill their
//     tail downward instead of evicting, so recency survives as long as
//     capacity allows. The CLOCK variant only seeds its clock counter
//     from the priority; enforcement is deliberately weaker.
//
//   - Capacity: every entry carries a caller-defined charge. With
//     StrictCapacityLimit, an Insert that cannot free enough charge fails
//     with ErrCacheFull; otherwise inserts always succeed, temporarily
//     over-committing if everything else is pinned. FullChargeMetadata
//     additionally counts the cache's own per-entry overhead.
//
//   - Secondary tier: with a SecondaryCache and Codec configured, entries
//     evicted for capacity are serialized and offered to the second tier,
//     and a primary miss consults it before giving up, re-inserting a
//     deserialized hit. Secondary failures never surface: they degrade to
//     a miss or a skipped demotion.
//
//   - Roles: every entry carries a Role tag (data block, index block,
//     filter block, ...). Roles feed the UsageByRole breakdown and let
//     the secondary tier skip compressing payloads that do not compress;
//     they never influence eviction.
//
// Basic usage
//
//	c := cache.NewLRU(cache.Options{
//	    Capacity:         64 << 20,
//	    HighPriPoolRatio: 0.5,
//	})
//	defer c.Close()
//
//	h, err := c.Insert([]byte("sst7:4096"), block, uint64(len(block.data)),
//	    cache.PriorityLow, cache.RoleDataBlock)
//	if err == nil {
//	    h.Release() // keep it resident, drop the pin
//	}
//
//	if h := c.Lookup([]byte("sst7:4096")); h != nil {
//	    use(h.Value().(*Block))
//	    h.Release()
//	}
//
// The CLOCK variant trades strict priorities for lock freedom and wants
// one extra parameter:
//
//	c := cache.NewClock(cache.Options{
//	    Capacity:             64 << 20,
//	    EstimatedEntryCharge: 4096, // ≈ typical block size
//	})
//
// Thread-safety & complexity
//
// All Cache methods are safe for concurrent use. Typical operation cost
// is O(1) expected: a map access or bounded probe plus constant pointer
// or CAS work. Eviction cost is O(1) per removed entry for LRU; the CLOCK
// sweep pays a table pass per victim so that eviction frees exactly the
// deficit, oldest cold entry first, and it degrades on a nearly-pinned
// table, which is a documented property of the algorithm rather than a
// bug.
package cache

package cache

import (
	"context"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/IvanBrykalov/blockcache/internal/singleflight"
	"github.com/IvanBrykalov/blockcache/internal/util"
)

// cacheShard is the contract both shard variants implement. The router
// owns key hashing and shard selection; shards own everything else.
// Evictions never cross shard boundaries.
type cacheShard interface {
	insert(key string, hash uint64, value any, charge uint64, pri Priority, role Role) (Handle, error)
	lookup(key string, hash uint64, record bool) (Handle, bool)
	erase(key string, hash uint64)
	setCapacity(capacity uint64)
	setStrict(strict bool)
	shardUsage() uint64
	pinnedUsage() uint64
	occupancy() uint64
	addRoleUsage(dst *[numRoles]uint64)
}

// shardedCache routes keys to 2^shardBits independent shards by the top
// bits of the key hash and aggregates their statistics. It also composes
// the optional secondary tier: demotion hooks are installed on the shards,
// promotion happens here on a primary miss.
type shardedCache struct {
	shards    []cacheShard
	shardBits int
	capacity  atomic.Uint64
	closed    atomic.Bool

	secondary  SecondaryCache
	codec      Codec
	promotePri Priority

	// sf coalesces concurrent promotions of the same key, so a miss storm
	// deserializes a secondary-tier value once.
	sf singleflight.Group[struct{}]
}

// NewLRU constructs a sharded cache with priority-pool LRU shards.
// It panics on invalid configuration (zero capacity, bad ratios).
func NewLRU(opt Options) Cache {
	opt = opt.withDefaults()
	c := newSharded(opt)
	perShard := perShardCapacity(opt.Capacity, len(c.shards))
	for i := range c.shards {
		c.shards[i] = newLRUShard(perShard, opt, c.demoteHook())
	}
	return c
}

// NewClock constructs a sharded cache with lock-free CLOCK shards.
// EstimatedEntryCharge is required: it fixes the per-shard table size.
func NewClock(opt Options) Cache {
	opt = opt.withDefaults()
	if opt.EstimatedEntryCharge == 0 {
		panic("blockcache: EstimatedEntryCharge is required for the CLOCK variant")
	}
	c := newSharded(opt)
	perShard := perShardCapacity(opt.Capacity, len(c.shards))
	for i := range c.shards {
		c.shards[i] = newClockShard(perShard, opt.EstimatedEntryCharge, opt, c.demoteHook())
	}
	return c
}

func newSharded(opt Options) *shardedCache {
	bits := opt.NumShardBits
	if bits < 0 {
		bits = util.DefaultShardBits(opt.Capacity)
	}
	c := &shardedCache{
		shards:     make([]cacheShard, 1<<bits),
		shardBits:  bits,
		promotePri: opt.PromotionPriority,
	}
	c.capacity.Store(opt.Capacity)
	if opt.SecondaryCache != nil && opt.Codec != nil {
		c.secondary = opt.SecondaryCache
		c.codec = opt.Codec
	}
	return c
}

// perShardCapacity splits capacity evenly (ceil) across shards.
func perShardCapacity(capacity uint64, shards int) uint64 {
	return (capacity + uint64(shards) - 1) / uint64(shards)
}

// demoteHook serializes an evicted value and offers it to the secondary
// tier. All failures are absorbed: a failed demotion is just a discard.
func (c *shardedCache) demoteHook() func(key string, value any, role Role) {
	if c.secondary == nil {
		return nil
	}
	return func(key string, value any, role Role) {
		data, err := c.codec.Encode(value)
		if err != nil {
			return
		}
		_ = c.secondary.Insert([]byte(key), data, role)
	}
}

// ---- Cache implementation ----

func (c *shardedCache) Insert(key []byte, value any, charge uint64, pri Priority, role Role) (Handle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	h := xxhash.Sum64(key)
	return c.shardFor(h).insert(string(key), h, value, charge, pri, role)
}

func (c *shardedCache) Lookup(key []byte) Handle {
	if c.closed.Load() {
		return nil
	}
	h := xxhash.Sum64(key)
	sh := c.shardFor(h)
	if e, ok := sh.lookup(string(key), h, true); ok {
		return e
	}
	if c.secondary == nil {
		return nil
	}
	// Secondary round trip: promote on hit, then retry the primary.
	// Errors anywhere degrade to a plain miss.
	if _, err := c.sf.Do(context.Background(), string(key), func() (struct{}, error) {
		data, role, err := c.secondary.Lookup(key)
		if err != nil {
			return struct{}{}, err
		}
		value, charge, err := c.codec.Decode(data)
		if err != nil {
			return struct{}{}, err
		}
		promoted, err := sh.insert(string(key), h, value, charge, c.promotePri, role)
		if err != nil {
			return struct{}{}, err
		}
		promoted.Release() // leave it resident; every waiter pins its own
		return struct{}{}, nil
	}); err != nil {
		return nil
	}
	// The miss is already on the books; pinning the promoted entry is part
	// of the same logical lookup, so it is not re-recorded.
	if e, ok := sh.lookup(string(key), h, false); ok {
		return e
	}
	// Evicted again between promotion and re-lookup; rare but possible
	// under severe pressure.
	return nil
}

func (c *shardedCache) Erase(key []byte) {
	if c.closed.Load() {
		return
	}
	h := xxhash.Sum64(key)
	c.shardFor(h).erase(string(key), h)
}

func (c *shardedCache) SetCapacity(capacity uint64) {
	c.capacity.Store(capacity)
	perShard := perShardCapacity(capacity, len(c.shards))
	for _, s := range c.shards {
		s.setCapacity(perShard)
	}
}

func (c *shardedCache) Capacity() uint64 { return c.capacity.Load() }

func (c *shardedCache) SetStrictCapacityLimit(strict bool) {
	for _, s := range c.shards {
		s.setStrict(strict)
	}
}

func (c *shardedCache) Usage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.shardUsage()
	}
	return total
}

func (c *shardedCache) PinnedUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.pinnedUsage()
	}
	return total
}

func (c *shardedCache) OccupancyCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.occupancy()
	}
	return total
}

func (c *shardedCache) UsageByRole() map[Role]uint64 {
	var acc [numRoles]uint64
	for _, s := range c.shards {
		s.addRoleUsage(&acc)
	}
	m := make(map[Role]uint64, numRoles)
	for r := 0; r < numRoles; r++ {
		m[Role(r)] = acc[r]
	}
	return m
}

// Close marks the cache closed. Outstanding handles stay valid and must
// still be released; an attached SecondaryCache is left running because
// the caller owns it.
func (c *shardedCache) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *shardedCache) shardFor(hash uint64) cacheShard {
	return c.shards[util.ShardIndex(hash, c.shardBits)]
}

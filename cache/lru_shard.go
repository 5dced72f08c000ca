package cache

import (
	"sync"
	"unsafe"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// lruShard is one partition of the key space with priority-pool LRU
// eviction. A single mutex serializes index and list mutation; parallelism
// comes from having many shards.
//
// Pool policy: an entry without hits is placed, on unpin, in the highest
// pool that does not exceed its priority hint; an entry with a hit goes to
// the highest pool available regardless of the hint. When a pool exceeds
// its target share of capacity, its tail spills into the next lower pool
// instead of being evicted, preserving recency while capacity allows.
// Eviction itself walks pool tails bottom-up.
type lruShard struct {
	// ---- guarded by mu ----
	mu        sync.Mutex
	table     map[string]*entry
	lists     [numPools]lruList
	capacity  uint64
	strict    bool
	usage     uint64 // charge of everything tracked: pooled, pinned, zombies
	roleUsage [numRoles]uint64

	highRatio  float64
	lowRatio   float64
	highTarget uint64
	lowTarget  uint64

	deleter    DeleterFunc
	metrics    Metrics
	metaPolicy MetadataChargePolicy
	demote     func(key string, value any, role Role) // nil without a secondary tier

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newLRUShard(capacity uint64, opt Options, demote func(string, any, Role)) *lruShard {
	s := &lruShard{
		table:      make(map[string]*entry),
		capacity:   capacity,
		strict:     opt.StrictCapacityLimit,
		highRatio:  opt.HighPriPoolRatio,
		lowRatio:   opt.LowPriPoolRatio,
		deleter:    opt.Deleter,
		metrics:    opt.Metrics,
		metaPolicy: opt.MetadataChargePolicy,
		demote:     demote,
	}
	s.recomputeTargetsLocked()
	return s
}

// metaCharge is the per-entry overhead added under FullChargeMetadata.
func (s *lruShard) metaCharge(keyLen int) uint64 {
	if s.metaPolicy != FullChargeMetadata {
		return 0
	}
	return uint64(unsafe.Sizeof(entry{})) + uint64(keyLen)
}

func (s *lruShard) recomputeTargetsLocked() {
	s.highTarget = uint64(float64(s.capacity) * s.highRatio)
	s.lowTarget = uint64(float64(s.capacity) * s.lowRatio)
}

// insert admits a new pinned entry, evicting unpinned entries first.
// An existing entry under the same key is displaced from the index;
// its outstanding handles stay valid.
func (s *lruShard) insert(key string, _ uint64, value any, charge uint64, pri Priority, role Role) (Handle, error) {
	e := &entry{
		key:    key,
		value:  value,
		charge: charge + s.metaCharge(len(key)),
		role:   role,
		prio:   pri,
		shard:  s,
	}
	e.refs.Store(1)

	s.mu.Lock()
	victims := s.evictLocked(e.charge, nil)
	if s.strict && s.usage+e.charge > s.capacity {
		s.mu.Unlock()
		s.finishEvicted(victims)
		return nil, ErrCacheFull
	}

	var replaced *entry
	if old, ok := s.table[key]; ok {
		old.inIndex = false
		if old.inList {
			s.lists[old.pool].remove(old)
			old.inList = false
			old.detached = true
			s.usage -= old.charge
			s.roleUsage[old.role] -= old.charge
			replaced = old
		}
		s.metrics.Evict(EvictReplace)
	}
	s.table[key] = e
	e.inIndex = true
	s.usage += e.charge
	s.roleUsage[e.role] += e.charge
	s.metrics.Size(len(s.table), int64(s.usage))
	s.mu.Unlock()

	s.finishEvicted(victims)
	if replaced != nil {
		// Displaced values are not demoted: the caller is overwriting
		// them, so the secondary tier would only serve stale data.
		s.destroy(replaced)
	}
	return e, nil
}

// lookup pins and returns the entry for key, or nil.
func (s *lruShard) lookup(key string, _ uint64, record bool) (Handle, bool) {
	s.mu.Lock()
	e, ok := s.table[key]
	if !ok {
		s.mu.Unlock()
		if record {
			s.misses.Add(1)
			s.metrics.Miss()
		}
		return nil, false
	}
	if e.inList {
		s.lists[e.pool].remove(e)
		e.inList = false
	}
	e.refs.Add(1)
	e.hit.Store(true)
	s.mu.Unlock()

	if record {
		s.hits.Add(1)
		s.metrics.Hit()
	}
	return e, true
}

// release drops one pin. Only the transition to zero references needs the
// shard mutex; every other release is a plain atomic decrement.
func (s *lruShard) release(e *entry) {
	if e.refs.Add(-1) > 0 {
		return
	}

	s.mu.Lock()
	if e.refs.Load() != 0 || e.inList || e.detached {
		// Revived by a concurrent Lookup, or another goroutine already
		// settled this entry while we waited for the lock.
		s.mu.Unlock()
		return
	}
	if !e.inIndex {
		// Zombie: erased or displaced while pinned. The last reference
		// returns its charge and destroys it.
		e.detached = true
		s.usage -= e.charge
		s.roleUsage[e.role] -= e.charge
		s.metrics.Size(len(s.table), int64(s.usage))
		s.mu.Unlock()
		s.destroy(e)
		return
	}
	if s.usage > s.capacity {
		// Over capacity and this was the last pin: evict immediately
		// rather than re-linking just to evict on the next insert.
		delete(s.table, e.key)
		e.inIndex = false
		e.detached = true
		s.usage -= e.charge
		s.roleUsage[e.role] -= e.charge
		s.evicts.Add(1)
		s.metrics.Evict(EvictCapacity)
		s.metrics.Size(len(s.table), int64(s.usage))
		s.mu.Unlock()
		s.finishEvicted([]*entry{e})
		return
	}
	s.linkLocked(e)
	s.maintainPoolsLocked()
	s.mu.Unlock()
}

// erase removes key from the index regardless of pins.
func (s *lruShard) erase(key string, _ uint64) {
	s.mu.Lock()
	e, ok := s.table[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.table, key)
	e.inIndex = false
	var victim *entry
	if e.inList {
		s.lists[e.pool].remove(e)
		e.inList = false
		e.detached = true
		s.usage -= e.charge
		s.roleUsage[e.role] -= e.charge
		victim = e
	}
	s.metrics.Evict(EvictErase)
	s.metrics.Size(len(s.table), int64(s.usage))
	s.mu.Unlock()

	if victim != nil {
		// Erased values are not demoted: the caller is invalidating them.
		s.destroy(victim)
	}
}

func (s *lruShard) setCapacity(capacity uint64) {
	s.mu.Lock()
	s.capacity = capacity
	s.recomputeTargetsLocked()
	s.maintainPoolsLocked()
	victims := s.evictLocked(0, nil)
	s.mu.Unlock()
	s.finishEvicted(victims)
}

func (s *lruShard) setStrict(strict bool) {
	s.mu.Lock()
	s.strict = strict
	s.mu.Unlock()
}

func (s *lruShard) shardUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *lruShard) pinnedUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pooled := uint64(0)
	for p := range s.lists {
		pooled += s.lists[p].usage
	}
	return s.usage - pooled
}

func (s *lruShard) occupancy() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.table))
}

func (s *lruShard) addRoleUsage(dst *[numRoles]uint64) {
	s.mu.Lock()
	for r := 0; r < numRoles; r++ {
		dst[r] += s.roleUsage[r]
	}
	s.mu.Unlock()
}

// -------------------- internals (mu held) --------------------

// linkLocked places an unpinned entry into a pool. Hits promote to the
// highest pool available; otherwise the priority hint caps the pool.
func (s *lruShard) linkLocked(e *entry) {
	pool := s.poolFor(e.prio)
	if e.hit.Load() {
		pool = s.highestPool()
	}
	e.pool = uint8(pool)
	e.inList = true
	s.lists[pool].pushFront(e)
}

func (s *lruShard) highestPool() int {
	if s.highTarget > 0 {
		return poolHigh
	}
	if s.lowTarget > 0 {
		return poolLow
	}
	return poolBottom
}

func (s *lruShard) poolFor(p Priority) int {
	if p == PriorityHigh && s.highTarget > 0 {
		return poolHigh
	}
	if p != PriorityBottom && s.lowTarget > 0 {
		return poolLow
	}
	return poolBottom
}

// maintainPoolsLocked spills pool tails downward while a pool exceeds its
// target. Demoted entries enter the head of the next lower pool: they are
// newer than everything already there.
func (s *lruShard) maintainPoolsLocked() {
	for s.lists[poolHigh].usage > s.highTarget {
		e := s.lists[poolHigh].back()
		if e == nil {
			break
		}
		s.lists[poolHigh].remove(e)
		dst := poolBottom
		if s.lowTarget > 0 {
			dst = poolLow
		}
		e.pool = uint8(dst)
		s.lists[dst].pushFront(e)
	}
	for s.lists[poolLow].usage > s.lowTarget {
		e := s.lists[poolLow].back()
		if e == nil {
			break
		}
		s.lists[poolLow].remove(e)
		e.pool = poolBottom
		s.lists[poolBottom].pushFront(e)
	}
}

// evictLocked frees room for extra charge by evicting unpinned entries,
// bottom pool tail first. Victims are fully detached from accounting here;
// destruction and demotion happen after the lock is dropped.
func (s *lruShard) evictLocked(extra uint64, victims []*entry) []*entry {
	for s.usage+extra > s.capacity {
		e := s.victimLocked()
		if e == nil {
			break // everything left is pinned
		}
		s.lists[e.pool].remove(e)
		e.inList = false
		delete(s.table, e.key)
		e.inIndex = false
		e.detached = true
		s.usage -= e.charge
		s.roleUsage[e.role] -= e.charge
		s.evicts.Add(1)
		s.metrics.Evict(EvictCapacity)
		victims = append(victims, e)
	}
	if len(victims) > 0 {
		s.metrics.Size(len(s.table), int64(s.usage))
	}
	return victims
}

func (s *lruShard) victimLocked() *entry {
	for _, p := range [numPools]int{poolBottom, poolLow, poolHigh} {
		if e := s.lists[p].back(); e != nil {
			return e
		}
	}
	return nil
}

// -------------------- internals (mu not held) --------------------

// finishEvicted demotes capacity-eviction victims to the secondary tier
// and destroys them. Runs outside the shard lock: demotion may serialize
// and compress.
func (s *lruShard) finishEvicted(victims []*entry) {
	for _, e := range victims {
		if s.demote != nil {
			s.demote(e.key, e.value, e.role)
		}
		s.destroy(e)
	}
}

func (s *lruShard) destroy(e *entry) {
	if s.deleter != nil {
		s.deleter([]byte(e.key), e.value)
	}
}

package cache

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// clockShard is a lock-free partition built on a fixed-size open-addressed
// hash table with CLOCK eviction. Lookup, pin and unpin are lock-free;
// eviction is a table sweep performed by whichever inserter needs room,
// decaying clock counters and reclaiming the oldest cold slot, one victim
// per pass, until the inserter's deficit is covered. The table is sized
// once, at construction, from the estimated entry charge, and is never
// resized.
//
// Caveats, accepted by design (this is the high-parallelism variant):
//   - priorities only seed the clock counter, so enforcement is weaker
//     than the LRU shard's pools; a long cold scan can dilute the cache
//     unless the caller inserts at PriorityBottom;
//   - a nearly-full or mostly-pinned table degrades, because the sweep
//     must pass many unevictable slots before finding a victim;
//   - entry charges are assumed roughly homogeneous (the block-cache use
//     pattern); wildly varying charges are a misuse;
//   - values for a key are assumed immutable (also the block-cache
//     pattern): concurrent inserts of the same key may briefly leave a
//     shadowed duplicate, which the sweep later reclaims.
//
// Slot protocol. Each slot carries one atomic meta word:
//
//	bits 0..29  reference count (outstanding pins)
//	bits 30..31 clock counter, decremented by the sweep
//	bits 62..63 state: empty, construction, visible, invisible
//
// Writers own a slot exclusively while it is in the construction state;
// data fields are only read after acquiring a reference with the slot
// visible, so they can never be observed mid-write. Probe chains stay
// intact across removals via per-slot displacement counters: a probe ends
// only at an empty slot that no later entry's probe path has crossed.
type clockShard struct {
	slots []clockSlot
	mask  uint64

	capacity       atomic.Uint64
	strict         atomic.Bool
	usage          atomic.Int64
	occupancyCnt   atomic.Int64
	occupancyLimit int64
	seqGen         atomic.Uint64
	roleUsage      [numRoles]atomic.Int64

	deleter    DeleterFunc
	metrics    Metrics
	metaPolicy MetadataChargePolicy
	demote     func(key string, value any, role Role)

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

type clockSlot struct {
	meta atomic.Uint64

	// displacements counts entries residing later on a probe path that
	// crosses this slot. A probe may stop only at an empty slot whose
	// displacement count is zero.
	displacements atomic.Int32

	// hash and charge are atomics so probes and stats can read them
	// without holding a reference. seq is the shard-wide insertion
	// sequence number, the age tie-break among equally cold slots.
	hash   atomic.Uint64
	charge atomic.Uint64
	seq    atomic.Uint64

	// The fields below are written only in the construction state and
	// read only while the reader holds a reference.
	key   string
	value any
	role  Role

	shard *clockShard
}

const (
	clockRefsMask   = uint64(1)<<30 - 1
	clockCountShift = 30
	clockCountMask  = uint64(3) << clockCountShift
	clockStateShift = 62
	clockStateMask  = uint64(3) << clockStateShift

	slotEmpty        = uint64(0) << clockStateShift
	slotConstruction = uint64(1) << clockStateShift
	slotVisible      = uint64(2) << clockStateShift
	slotInvisible    = uint64(3) << clockStateShift

	clockMaxCount = 3

	// clockLoadFactor keeps enough empty slots for acceptable probe
	// lengths; beyond it the shard evicts pre-emptively.
	clockLoadFactor = 0.7
)

func newClockShard(capacity, estimatedEntryCharge uint64, opt Options, demote func(string, any, Role)) *clockShard {
	n := float64(capacity) / float64(estimatedEntryCharge) / clockLoadFactor
	slotCount := util.NextPow2(uint64(math.Ceil(n)))
	if slotCount < 8 {
		slotCount = 8
	}
	s := &clockShard{
		slots:      make([]clockSlot, slotCount),
		mask:       slotCount - 1,
		deleter:    opt.Deleter,
		metrics:    opt.Metrics,
		metaPolicy: opt.MetadataChargePolicy,
		demote:     demote,
	}
	s.capacity.Store(capacity)
	s.strict.Store(opt.StrictCapacityLimit)
	s.occupancyLimit = int64(float64(slotCount) * clockLoadFactor)
	if s.occupancyLimit < 1 {
		s.occupancyLimit = 1
	}
	for i := range s.slots {
		s.slots[i].shard = s
	}
	return s
}

func (s *clockShard) metaCharge(keyLen int) uint64 {
	if s.metaPolicy != FullChargeMetadata {
		return 0
	}
	return uint64(unsafe.Sizeof(clockSlot{})) + uint64(keyLen)
}

// probeStart derives the home slot and an odd probe step from the hash.
// The step is coprime with the power-of-two table, so a probe visits every
// slot once per lap.
func (s *clockShard) probeStart(hash uint64) (idx, step uint64) {
	return hash & s.mask, (hash >> 32) | 1
}

func initialCount(p Priority) uint64 {
	switch p {
	case PriorityHigh:
		return clockMaxCount
	case PriorityBottom:
		return 1
	default:
		return 2
	}
}

// -------------------- cacheShard --------------------

func (s *clockShard) insert(key string, hash uint64, value any, charge uint64, pri Priority, role Role) (Handle, error) {
	charge += s.metaCharge(len(key))
	if !s.makeRoom(charge) && s.strict.Load() {
		return nil, ErrCacheFull
	}

	// Reserve occupancy before claiming a slot, so concurrent inserters
	// cannot collectively overload the table.
	if s.occupancyCnt.Add(1) > s.occupancyLimit {
		s.sweepOccupancy()
		if s.occupancyCnt.Load() > s.occupancyLimit {
			s.occupancyCnt.Add(-1)
			if s.strict.Load() {
				return nil, ErrCacheFull
			}
			return s.standalone(key, value, charge, role), nil
		}
	}

	slot := s.claimSlot(key, hash, value, charge, pri, role)
	if slot == nil {
		s.occupancyCnt.Add(-1)
		if s.strict.Load() {
			return nil, ErrCacheFull
		}
		return s.standalone(key, value, charge, role), nil
	}
	s.usage.Add(int64(charge))
	s.roleUsage[role].Add(int64(charge))
	s.metrics.Size(int(s.occupancyCnt.Load()), s.usage.Load())
	return slot, nil
}

// claimSlot claims a slot along the probe path of hash, publishes the new
// entry pinned once, and displaces any older visible entry with the same
// key. Returns nil if no slot on the path is free.
func (s *clockShard) claimSlot(key string, hash uint64, value any, charge uint64, pri Priority, role Role) *clockSlot {
	idx, step := s.probeStart(hash)
	var claimed *clockSlot
	passed := 0

	for i := uint64(0); i <= s.mask; i++ {
		slot := &s.slots[idx&s.mask]

		if claimed == nil {
			// Try to take this slot if it is empty.
			for {
				m := slot.meta.Load()
				if m&clockStateMask != slotEmpty {
					break
				}
				if !slot.meta.CompareAndSwap(m, slotConstruction) {
					continue
				}
				chainEnd := slot.displacements.Load() == 0
				slot.key = key
				slot.value = value
				slot.role = role
				slot.hash.Store(hash)
				slot.charge.Store(charge)
				slot.seq.Store(s.seqGen.Add(1))
				slot.meta.Store(slotVisible | initialCount(pri)<<clockCountShift | 1)
				claimed = slot
				if chainEnd {
					// No probe for this key could have continued past
					// this slot, so no duplicate can exist beyond it.
					return claimed
				}
				break
			}
			if claimed == slot {
				idx += step
				continue
			}
			// Occupied: this slot is now part of the new entry's path.
			slot.displacements.Add(1)
			passed++
			s.displaceIfMatch(slot, key, hash)
			idx += step
			continue
		}

		// Past the claimed slot: scan for a shadowed duplicate until the
		// probe chain ends.
		s.displaceIfMatch(slot, key, hash)
		m := slot.meta.Load()
		if m&clockStateMask == slotEmpty && slot.displacements.Load() == 0 {
			break
		}
		idx += step
	}

	if claimed == nil && passed > 0 {
		// Roll back the displacement increments of the failed probe.
		idx, step = s.probeStart(hash)
		for i := 0; i < passed; i++ {
			s.slots[idx&s.mask].displacements.Add(-1)
			idx += step
		}
	}
	return claimed
}

// displaceIfMatch makes an older entry for key invisible so the freshly
// inserted one is the only hit. Missing a racing duplicate here is
// tolerable: values for a key are immutable in the supported use pattern.
func (s *clockShard) displaceIfMatch(slot *clockSlot, key string, hash uint64) {
	if slot.hash.Load() != hash {
		return
	}
	if !s.tryRef(slot) {
		return
	}
	if slot.key == key {
		s.markInvisible(slot)
		s.metrics.Evict(EvictReplace)
	}
	s.unref(slot)
}

func (s *clockShard) lookup(key string, hash uint64, record bool) (Handle, bool) {
	idx, step := s.probeStart(hash)
	for i := uint64(0); i <= s.mask; i++ {
		slot := &s.slots[idx&s.mask]
		if slot.hash.Load() == hash && s.tryRef(slot) {
			if slot.key == key {
				s.touch(slot)
				if record {
					s.hits.Add(1)
					s.metrics.Hit()
				}
				return slot, true
			}
			s.unref(slot)
		}
		m := slot.meta.Load()
		if m&clockStateMask == slotEmpty && slot.displacements.Load() == 0 {
			break
		}
		idx += step
	}
	if record {
		s.misses.Add(1)
		s.metrics.Miss()
	}
	return nil, false
}

func (s *clockShard) erase(key string, hash uint64) {
	idx, step := s.probeStart(hash)
	for i := uint64(0); i <= s.mask; i++ {
		slot := &s.slots[idx&s.mask]
		if slot.hash.Load() == hash && s.tryRef(slot) {
			if slot.key == key {
				s.markInvisible(slot)
				s.metrics.Evict(EvictErase)
				s.unref(slot)
				return
			}
			s.unref(slot)
		}
		m := slot.meta.Load()
		if m&clockStateMask == slotEmpty && slot.displacements.Load() == 0 {
			break
		}
		idx += step
	}
}

func (s *clockShard) setCapacity(capacity uint64) {
	s.capacity.Store(capacity)
	s.makeRoom(0)
}

func (s *clockShard) setStrict(strict bool) { s.strict.Store(strict) }

func (s *clockShard) shardUsage() uint64 {
	u := s.usage.Load()
	if u < 0 {
		return 0
	}
	return uint64(u)
}

// pinnedUsage scans the table: total usage minus the charge of visible,
// unpinned slots. Standalone entries count as pinned automatically since
// they are in usage but never in the table.
func (s *clockShard) pinnedUsage() uint64 {
	var unpinned int64
	for i := range s.slots {
		m := s.slots[i].meta.Load()
		if m&clockStateMask == slotVisible && m&clockRefsMask == 0 {
			unpinned += int64(s.slots[i].charge.Load())
		}
	}
	u := s.usage.Load() - unpinned
	if u < 0 {
		return 0
	}
	return uint64(u)
}

func (s *clockShard) occupancy() uint64 {
	o := s.occupancyCnt.Load()
	if o < 0 {
		return 0
	}
	return uint64(o)
}

func (s *clockShard) addRoleUsage(dst *[numRoles]uint64) {
	for r := 0; r < numRoles; r++ {
		if v := s.roleUsage[r].Load(); v > 0 {
			dst[r] += uint64(v)
		}
	}
}

// -------------------- slot reference protocol --------------------

// tryRef acquires a reference if the slot is visible.
func (s *clockShard) tryRef(slot *clockSlot) bool {
	for {
		m := slot.meta.Load()
		if m&clockStateMask != slotVisible {
			return false
		}
		if slot.meta.CompareAndSwap(m, m+1) {
			return true
		}
	}
}

// unref drops a reference; the last reference to an invisible slot
// reclaims it.
func (s *clockShard) unref(slot *clockSlot) {
	m := slot.meta.Add(^uint64(0))
	if m&clockStateMask == slotInvisible && m&clockRefsMask == 0 {
		s.tryReclaim(slot, m, false)
	}
}

// touch raises the clock counter to its maximum: a hit buys the entry a
// full sweep cycle of retention.
func (s *clockShard) touch(slot *clockSlot) {
	for {
		m := slot.meta.Load()
		if m&clockStateMask != slotVisible ||
			m&clockCountMask == clockCountMask {
			return
		}
		if slot.meta.CompareAndSwap(m, m&^clockCountMask|clockMaxCount<<clockCountShift) {
			return
		}
	}
}

// markInvisible removes the slot from lookup without destroying it.
func (s *clockShard) markInvisible(slot *clockSlot) {
	for {
		m := slot.meta.Load()
		if m&clockStateMask != slotVisible {
			return
		}
		if slot.meta.CompareAndSwap(m, m&^clockStateMask|slotInvisible) {
			return
		}
	}
}

// tryReclaim frees a slot whose meta is known to be m (unpinned). The CAS
// into the construction state grants exclusive ownership; afterwards the
// slot's probe-path displacements are unwound and the slot becomes empty.
func (s *clockShard) tryReclaim(slot *clockSlot, m uint64, demote bool) (uint64, bool) {
	if !slot.meta.CompareAndSwap(m, slotConstruction) {
		return 0, false
	}
	hash := slot.hash.Load()
	charge := slot.charge.Load()
	key, value, role := slot.key, slot.value, slot.role
	slot.key, slot.value = "", nil
	s.usage.Add(-int64(charge))
	s.roleUsage[role].Add(-int64(charge))
	s.occupancyCnt.Add(-1)
	s.fixDisplacements(hash, slot)
	slot.meta.Store(slotEmpty)

	if demote && s.demote != nil {
		s.demote(key, value, role)
	}
	if s.deleter != nil {
		s.deleter([]byte(key), value)
	}
	return charge, true
}

// fixDisplacements unwinds the displacement increments of the entry that
// lived in victim, walking its probe path from the home slot.
func (s *clockShard) fixDisplacements(hash uint64, victim *clockSlot) {
	idx, step := s.probeStart(hash)
	for {
		slot := &s.slots[idx&s.mask]
		if slot == victim {
			return
		}
		slot.displacements.Add(-1)
		idx += step
	}
}

// -------------------- eviction --------------------

// sweep makes one pass over the table: clock counters of unpinned visible
// slots decay by one, leftover invisible slots are reclaimed on sight, and
// of the slots whose counter already reached zero the oldest (smallest
// insertion sequence) is reclaimed. At most one visible entry is freed per
// pass, so eviction works off exactly the deficit the caller is covering
// and never overshoots it. Returns the charge freed.
func (s *clockShard) sweep() uint64 {
	var (
		freed     uint64
		victim    *clockSlot
		victimM   uint64
		victimSeq uint64
	)
	for i := range s.slots {
		slot := &s.slots[i]
		m := slot.meta.Load()
		if m&clockRefsMask != 0 {
			continue // pinned
		}
		switch m & clockStateMask {
		case slotVisible:
			if m&clockCountMask != 0 {
				// Visited recently: decay instead of evicting.
				slot.meta.CompareAndSwap(m, m-1<<clockCountShift)
				continue
			}
			if seq := slot.seq.Load(); victim == nil || seq < victimSeq {
				victim, victimM, victimSeq = slot, m, seq
			}
		case slotInvisible:
			if charge, ok := s.tryReclaim(slot, m, false); ok {
				freed += charge
			}
		}
	}
	if victim != nil {
		// The victim may have been pinned or touched since we saw it;
		// the CAS inside tryReclaim detects that and gives up.
		if charge, ok := s.tryReclaim(victim, victimM, true); ok {
			s.evicts.Add(1)
			s.metrics.Evict(EvictCapacity)
			freed += charge
		}
	}
	return freed
}

// makeRoom sweeps until usage+charge fits under capacity, one victim at a
// time. The work is bounded: a cold entry needs at most clockMaxCount
// decay passes before it becomes a candidate, so that many consecutive
// empty passes mean everything left is pinned; the shard reports false and
// the caller decides between over-committing and ErrCacheFull.
func (s *clockShard) makeRoom(charge uint64) bool {
	capNow := s.capacity.Load()
	idle := 0
	for {
		if u := s.usage.Load(); u >= 0 && uint64(u)+charge <= capNow {
			return true
		}
		if s.sweep() == 0 {
			if idle++; idle > clockMaxCount {
				return false
			}
		} else {
			idle = 0
		}
	}
}

// sweepOccupancy frees table slots when the load factor limit is hit.
func (s *clockShard) sweepOccupancy() {
	idle := 0
	for s.occupancyCnt.Load() > s.occupancyLimit {
		if s.sweep() == 0 {
			if idle++; idle > clockMaxCount {
				return
			}
		} else {
			idle = 0
		}
	}
}

// -------------------- slot as Handle --------------------

// Key returns a copy of the entry key.
func (s *clockSlot) Key() []byte { return []byte(s.key) }

// Value returns the cached value.
func (s *clockSlot) Value() any { return s.value }

// Release drops the pin acquired by Insert or Lookup.
func (s *clockSlot) Release() { s.shard.unref(s) }

var _ Handle = (*clockSlot)(nil)

// clockStandalone is a pinned, never-indexed entry returned when the fixed
// table cannot admit another key and the capacity limit is not strict.
// It participates in usage accounting until released, then is destroyed.
type clockStandalone struct {
	shard    *clockShard
	key      string
	value    any
	charge   uint64
	role     Role
	released atomic.Bool
}

func (h *clockStandalone) Key() []byte { return []byte(h.key) }
func (h *clockStandalone) Value() any  { return h.value }

func (h *clockStandalone) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.shard.usage.Add(-int64(h.charge))
	h.shard.roleUsage[h.role].Add(-int64(h.charge))
	if h.shard.deleter != nil {
		h.shard.deleter([]byte(h.key), h.value)
	}
}

var _ Handle = (*clockStandalone)(nil)

func (s *clockShard) standalone(key string, value any, charge uint64, role Role) Handle {
	s.usage.Add(int64(charge))
	s.roleUsage[role].Add(int64(charge))
	return &clockStandalone{shard: s, key: key, value: value, charge: charge, role: role}
}

package cache

import "sync/atomic"

// Pool indices for lruShard.lists. Eviction walks pools bottom-up;
// spillover pushes entries down.
const (
	poolHigh = iota
	poolLow
	poolBottom
	numPools
)

// entry is a single cached object owned by one LRU shard.
//
// Lifecycle: created pinned by Insert; unpinned entries live in one of the
// shard's priority pools; pinned entries are unlinked from the pools and
// cannot be evicted. An entry removed from the index while pinned becomes
// a zombie, reachable only through outstanding handles, and is destroyed
// on the last Release.
type entry struct {
	key    string
	value  any
	charge uint64
	role   Role
	prio   Priority

	// refs counts outstanding handles. Atomic so a Release that does not
	// drop the last reference never touches the shard mutex.
	refs atomic.Int32

	// hit records whether the entry was looked up since insertion.
	// A hit re-enters the highest pool on unpin, whatever prio says.
	hit atomic.Bool

	// Fields below are guarded by the owning shard's mutex.
	inIndex  bool // reachable through the shard's table
	inList   bool // linked into a pool; implies refs == 0
	detached bool // charge already returned to capacity accounting
	pool     uint8
	prev     *entry
	next     *entry

	shard *lruShard
}

// Key returns a copy of the entry key.
func (e *entry) Key() []byte { return []byte(e.key) }

// Value returns the cached value.
func (e *entry) Value() any { return e.value }

// Release drops one pin; see Handle.
func (e *entry) Release() { e.shard.release(e) }

var _ Handle = (*entry)(nil)

// lruList is an intrusive doubly linked list: head is MRU, tail is LRU.
// It tracks the total charge of linked entries so pool targets can be
// enforced without walking.
type lruList struct {
	head  *entry
	tail  *entry
	usage uint64
}

func (l *lruList) pushFront(e *entry) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
	l.usage += e.charge
}

func (l *lruList) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if l.head == e {
		l.head = e.next
	}
	if l.tail == e {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	l.usage -= e.charge
}

// back returns the least recently used entry, or nil if the list is empty.
func (l *lruList) back() *entry { return l.tail }

//go:build go1.18

package cache

import (
	"bytes"
	"strings"
	"testing"
)

// Fuzz basic Insert/Lookup/Erase semantics under arbitrary byte inputs.
// Guards against panics and ensures core invariants hold for both shard
// variants.
// NOTE: We cap key/value lengths to avoid pathological memory usage
// during fuzzing (this does not weaken the invariants we check).
func FuzzCache_InsertLookupErase(f *testing.F) {
	// Seed corpus: empty, ASCII, Unicode, long strings.
	f.Add([]byte(""), "")
	f.Add([]byte("a"), "1")
	f.Add([]byte("sst7:4096"), "block")
	f.Add([]byte("αβγ"), "δ")
	f.Add([]byte("emoji🙂"), "🙂🙂")
	f.Add([]byte("long"), strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k []byte, v string) {
		// Cap lengths to keep memory bounded during fuzzing.
		const limit = 1 << 12 // 4096
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		for _, c := range []Cache{
			NewLRU(Options{Capacity: 1 << 16, NumShardBits: 2}),
			NewClock(Options{Capacity: 1 << 16, NumShardBits: 2, EstimatedEntryCharge: 64}),
		} {
			t.Cleanup(func() { _ = c.Close() })

			// Insert -> Lookup must return the same value and key.
			h, err := c.Insert(k, v, uint64(len(v))+1, PriorityLow, RoleDataBlock)
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if !bytes.Equal(h.Key(), k) {
				t.Fatalf("handle key mismatch: %q vs %q", h.Key(), k)
			}
			h.Release()

			got := c.Lookup(k)
			if got == nil {
				t.Fatal("entry must be resident right after insert")
			}
			if gv := got.Value().(string); gv != v {
				t.Fatalf("after Insert/Lookup: want %q, got %q", v, gv)
			}
			got.Release()

			// Erase must remove the key; usage must return to zero.
			c.Erase(k)
			if h := c.Lookup(k); h != nil {
				t.Fatal("key must be absent after Erase")
			}
			if u := c.Usage(); u != 0 {
				t.Fatalf("usage must be zero after erasing the only entry, got %d", u)
			}

			// Re-insert after erase must work.
			h, err = c.Insert(k, v, uint64(len(v))+1, PriorityHigh, RoleIndexBlock)
			if err != nil {
				t.Fatalf("Insert after Erase: %v", err)
			}
			h.Release()
			if h := c.Lookup(k); h == nil {
				t.Fatal("re-inserted key must be resident")
			} else {
				h.Release()
			}
		}
	})
}

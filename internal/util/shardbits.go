// Package util contains internal helpers (shard sizing, pow2 math, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

const (
	// minShardSize is the smallest capacity a shard should be responsible
	// for when the shard count is derived automatically. Below this size
	// extra shards cost more in metadata than they save in contention.
	minShardSize = 512 * 1024

	// maxShardBits caps automatic sharding at 2^6 = 64 shards.
	maxShardBits = 6
)

// DefaultShardBits derives a shard-bit count from total capacity:
// every shard ends up with at least minShardSize of capacity, and the
// result never exceeds maxShardBits.
func DefaultShardBits(capacity uint64) int {
	bits := 0
	shards := capacity / minShardSize
	for shards>>1 > 0 {
		shards >>= 1
		bits++
		if bits >= maxShardBits {
			return maxShardBits
		}
	}
	return bits
}

// ShardIndex maps a 64-bit key hash to a shard index using the top bits
// of the hash. The low bits stay available for table placement inside the
// shard, so the two uses of the hash do not correlate.
func ShardIndex(hash uint64, bits int) int {
	if bits <= 0 {
		return 0
	}
	return int(hash >> (64 - uint(bits)))
}

// Package compressed implements an in-memory compressed secondary cache.
//
// It is structurally a primary LRU cache operating on serialized bytes:
// evicted primary entries arrive already encoded, get block-compressed
// (role-aware: filter blocks are stored raw because they do not compress),
// and live under the tier's own capacity and eviction policy. A primary
// miss that hits here pays one decompression.
package compressed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/blockcache/cache"
)

// Compression selects the block codec for stored values.
// The zero value is LZ4: fast enough to sit on the eviction path.
type Compression uint8

const (
	// CompressionLZ4 — LZ4 block compression (fast, default).
	CompressionLZ4 Compression = iota
	// CompressionZstd — zstd block compression (better ratio, slower).
	CompressionZstd
	// CompressionNone — store raw bytes.
	CompressionNone
)

// ErrRateLimited is returned by Insert when MaxWriteRate is configured and
// the write budget is exhausted. The primary tier absorbs it: the demotion
// is simply skipped.
var ErrRateLimited = errors.New("compressed: write rate exceeded, demotion shed")

// Options configures the tier. Capacity is required.
type Options struct {
	// Capacity bounds the total size of stored (compressed) values.
	Capacity uint64

	// NumShardBits for the underlying LRU cache; -1 = auto.
	NumShardBits int

	// Compression is the codec for storable roles. Zero value is LZ4.
	Compression Compression

	// DoNotCompressRoles are stored raw. The zero value defaults to
	// {RoleFilterBlock}.
	DoNotCompressRoles cache.RoleSet

	// MaxWriteRate bounds demotion ingest in bytes/sec; excess writes are
	// shed, never queued, so the eviction path stays non-blocking.
	// Zero means unlimited.
	MaxWriteRate rate.Limit

	// Allocator supplies buffers for compression and copies.
	// Nil means the Go heap.
	Allocator cache.Allocator

	// Metrics observes the underlying LRU cache.
	Metrics cache.Metrics
}

// Cache is a compressed secondary tier. It implements cache.SecondaryCache.
type Cache struct {
	inner       cache.Cache
	compression Compression
	noCompress  cache.RoleSet
	limiter     *rate.Limiter
	alloc       cache.Allocator

	// now feeds the rate limiter; tests pin it to a fixed instant.
	now func() time.Time
}

// storedValue is what the inner cache holds: the framed payload plus the
// role it was demoted with, so promotion can restore it.
type storedValue struct {
	data []byte
	role cache.Role
}

var _ cache.SecondaryCache = (*Cache)(nil)

// New constructs the tier. Panics on zero capacity, matching the primary
// cache's construction contract.
func New(opt Options) *Cache {
	noCompress := opt.DoNotCompressRoles
	if noCompress == 0 {
		noCompress = cache.NewRoleSet(cache.RoleFilterBlock)
	}
	alloc := opt.Allocator
	if alloc == nil {
		alloc = cache.DefaultAllocator()
	}
	c := &Cache{
		inner: cache.NewLRU(cache.Options{
			Capacity:     opt.Capacity,
			NumShardBits: opt.NumShardBits,
			Metrics:      opt.Metrics,
		}),
		compression: opt.Compression,
		noCompress:  noCompress,
		alloc:       alloc,
		now:         time.Now,
	}
	if opt.MaxWriteRate > 0 {
		// One second of burst keeps single large blocks admissible.
		c.limiter = rate.NewLimiter(opt.MaxWriteRate, int(opt.MaxWriteRate))
	}
	return c
}

// Name identifies the tier in stats and logs.
func (c *Cache) Name() string { return "compressed-lru" }

// Insert frames, compresses and stores a demoted value.
func (c *Cache) Insert(key, data []byte, role cache.Role) error {
	if c.limiter != nil && !c.limiter.AllowN(c.now(), len(data)) {
		return ErrRateLimited
	}
	framed, err := c.encode(data, role)
	if err != nil {
		return fmt.Errorf("compressed: encode: %w", err)
	}
	v := &storedValue{data: framed, role: role}
	h, err := c.inner.Insert(key, v, uint64(len(framed)), cache.PriorityLow, role)
	if err != nil {
		return fmt.Errorf("compressed: store: %w", err)
	}
	h.Release()
	return nil
}

// Lookup returns a decompressed copy of the stored value and the role it
// was demoted with, or cache.ErrNotFound.
func (c *Cache) Lookup(key []byte) ([]byte, cache.Role, error) {
	h := c.inner.Lookup(key)
	if h == nil {
		return nil, 0, cache.ErrNotFound
	}
	defer h.Release()
	v := h.Value().(*storedValue)
	data, err := c.decode(v.data)
	if err != nil {
		return nil, 0, fmt.Errorf("compressed: decode: %w", err)
	}
	return data, v.role, nil
}

// Usage returns the total stored (compressed) charge.
func (c *Cache) Usage() uint64 { return c.inner.Usage() }

// Close shuts down the underlying cache.
func (c *Cache) Close() error { return c.inner.Close() }

// ---- framing ----
//
// Frame layout: [1 codec byte][4 bytes LE uncompressed size][payload].
// Incompressible payloads fall back to the raw codec, whatever was
// configured, so decode never needs to guess.

const frameHeaderSize = 5

func (c *Cache) encode(src []byte, role cache.Role) ([]byte, error) {
	codec := c.compression
	if c.noCompress.Contains(role) {
		codec = CompressionNone
	}

	var compressed []byte
	switch codec {
	case CompressionLZ4:
		buf := c.alloc.Allocate(lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, buf, nil)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			compressed = buf[:n]
		}
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(src, nil)
		putZstdEncoder(enc)
	}

	// Compression must actually pay for itself.
	if compressed == nil || len(compressed) >= len(src) {
		codec = CompressionNone
		compressed = src
	}

	out := c.alloc.Allocate(frameHeaderSize + len(compressed))
	out[0] = byte(codec)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(src)))
	copy(out[frameHeaderSize:], compressed)
	return out, nil
}

func (c *Cache) decode(framed []byte) ([]byte, error) {
	if len(framed) < frameHeaderSize {
		return nil, errors.New("frame too small for header")
	}
	codec := Compression(framed[0])
	size := binary.LittleEndian.Uint32(framed[1:])
	payload := framed[frameHeaderSize:]

	switch codec {
	case CompressionNone:
		if uint32(len(payload)) != size {
			return nil, errors.New("raw payload size mismatch")
		}
		out := c.alloc.Allocate(len(payload))
		copy(out, payload)
		return out, nil
	case CompressionLZ4:
		out := c.alloc.Allocate(int(size))
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		out, err := dec.DecodeAll(payload, c.alloc.Allocate(int(size))[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec byte %d", framed[0])
	}
}

// ---- zstd encoder/decoder pools ----

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) { zstdEncoderPool.Put(enc) }

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) { zstdDecoderPool.Put(dec) }

// Command bench runs a synthetic workload against the cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/blockcache/cache"
	pmet "github.com/IvanBrykalov/blockcache/metrics/prom"
	"github.com/IvanBrykalov/blockcache/secondary/compressed"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// blockCodec serializes the []byte payloads the bench inserts, so evicted
// blocks can ride the compressed secondary tier.
type blockCodec struct{}

func (blockCodec) Encode(v any) ([]byte, error) { return v.([]byte), nil }
func (blockCodec) Decode(data []byte) (any, uint64, error) {
	return data, uint64(len(data)), nil
}

func main() {
	// ---- Flags ----
	var (
		capacity  = flag.Uint64("cap", 256<<20, "cache capacity (bytes)")
		shardBits = flag.Int("shard_bits", -1, "number of shard bits (-1=auto)")
		variant   = flag.String("variant", "lru", "shard variant: lru | clock")
		blockSize = flag.Int("block", 4096, "value size (bytes)")
		strict    = flag.Bool("strict", false, "fail inserts over capacity")
		secondary = flag.Uint64("secondary", 0, "compressed secondary tier capacity (bytes, 0=off)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = half capacity)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "blockcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build cache ----
	opt := cache.Options{
		Capacity:            *capacity,
		NumShardBits:        *shardBits,
		StrictCapacityLimit: *strict,
		Metrics:             metrics,
	}
	if *secondary > 0 {
		tier := compressed.New(compressed.Options{Capacity: *secondary})
		defer func() { _ = tier.Close() }()
		opt.SecondaryCache = tier
		opt.Codec = blockCodec{}
	}

	var c cache.Cache
	switch *variant {
	case "lru":
		opt.HighPriPoolRatio = 0.5
		c = cache.NewLRU(opt)
	case "clock":
		opt.EstimatedEntryCharge = uint64(*blockSize)
		c = cache.NewClock(opt)
	default:
		log.Fatalf("unknown variant: %q (use lru or clock)", *variant)
	}
	defer func() { _ = c.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = int(*capacity / uint64(*blockSize) / 2)
	}
	for i := 0; i < pl; i++ {
		k := []byte("blk:" + strconv.Itoa(i))
		if h, err := c.Insert(k, make([]byte, *blockSize), uint64(*blockSize),
			cache.PriorityLow, cache.RoleDataBlock); err == nil {
			h.Release()
		}
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	blockSz := *blockSize
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() []byte {
				return []byte("blk:" + strconv.FormatUint(localZipf.Uint64(), 10))
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if h := c.Lookup(keyByZipf()); h != nil {
						atomic.AddUint64(&hits, 1)
						h.Release()
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					if h, err := c.Insert(keyByZipf(), make([]byte, blockSz),
						uint64(blockSz), cache.PriorityLow, cache.RoleDataBlock); err == nil {
						h.Release()
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("variant=%s cap=%d shard_bits=%d workers=%d keys=%d dur=%v seed=%d\n",
		*variant, *capacity, *shardBits, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
	fmt.Printf("usage=%d pinned=%d entries=%d\n", c.Usage(), c.PinnedUsage(), c.OccupancyCount())
}

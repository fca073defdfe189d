package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 20000, "Lock/unlock cycles")
	keys        = flag.Int("k", 1, "Distinct keys; 1 puts every worker on the same key")
	target      = flag.String("target", "all", "Target: memory, redis, fair, redlock")
	redisAddrs  = flag.String("redis-addrs", "localhost:6379,localhost:6380,localhost:6381", "Redis addresses; redlock uses all of them")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis", "fair", "redlock"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func redisOptions() []presets.RedisOptions {
	var opts []presets.RedisOptions
	for _, a := range strings.Split(*redisAddrs, ",") {
		opts = append(opts, presets.RedisOptions{Addr: strings.TrimSpace(a)})
	}
	return opts
}

func runBenchmark(name string) {
	var (
		get     func(key string) lock.Lock
		cleanup func()
	)

	switch name {
	case "memory":
		m := presets.NewInMemoryStandalone()
		get = func(key string) lock.Lock { return m.GetLock(key, lock.Reentrant) }
		cleanup = m.Close

	case "redis", "fair":
		m := presets.NewRedis(redisOptions()[0])
		d := lock.Reentrant
		if name == "fair" {
			d = lock.Fair
		}
		get = func(key string) lock.Lock { return m.GetLock(key, d) }
		cleanup = m.Close

	case "redlock":
		c := presets.NewRedisCluster(redisOptions())
		var mu sync.Mutex
		cache := map[string]*lock.RedLock{}
		get = func(key string) lock.Lock {
			mu.Lock()
			defer mu.Unlock()
			if rl, ok := cache[key]; ok {
				return rl
			}
			rl := c.RedLock(key)
			cache[key] = rl
			return rl
		}
		cleanup = func() { _ = c.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}
	defer cleanup()

	var (
		wg     sync.WaitGroup
		ops    atomic.Int64
		failed atomic.Int64
	)
	total := *requests
	latencies := make([]int64, total)
	chunk := total / *concurrency

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctx := lock.WithNewOwner(context.Background())
			l := get(fmt.Sprintf("bench:%d", idx%*keys))
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := l.Lock(ctx, 10*time.Second); err != nil {
					failed.Add(1)
					continue
				}
				if err := l.Unlock(ctx); err != nil {
					failed.Add(1)
					continue
				}
				ops.Add(1)
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops.Load() == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops.Load()) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops.Load())

	valid := slices.DeleteFunc(latencies, func(l int64) bool { return l == 0 })
	slices.Sort(valid)
	p99 := time.Duration(valid[min(int(float64(len(valid))*0.99), len(valid)-1)])

	fmt.Printf("| %-10s | %-10.0f | %-12s | %-12s |\n", name, throughput, avgLat, p99)
	if n := failed.Load(); n > 0 {
		log.Printf("%s: %d failed cycles", name, n)
	}
}

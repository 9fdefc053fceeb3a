package bench

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/willow/cmd/util"
	"github.com/ValentinKolb/willow/lib/cache"
	"github.com/ValentinKolb/willow/lib/cache/willow"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark the willow cache engine",
		Long:    "Run a configurable read/write workload against an in-process cache instance and report throughput, latency percentiles and the engine's own counters.",
		RunE:    run,
		PreRunE: processBenchConfig,
	}

	benchThreads    = 8
	benchDuration   = 10 * time.Second
	benchCapacity   = int64(100_000)
	benchKeySpread  = 1_000_000
	benchValueSize  = 128
	benchTTL        time.Duration
	benchWritePct   = 10
	benchUseLoader  = false
	benchShowEngine = false
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// add flags
	key := "threads"
	BenchCmd.Flags().Int(key, benchThreads, util.WrapString("Number of worker goroutines"))

	key = "duration"
	BenchCmd.Flags().Duration(key, benchDuration, util.WrapString("How long to run the workload"))

	key = "capacity"
	BenchCmd.Flags().Int64(key, benchCapacity, util.WrapString("Max weighted capacity of the cache (negative for unbounded)"))

	key = "keys"
	BenchCmd.Flags().Int(key, benchKeySpread, util.WrapString("How many different keys to use for the workload"))

	key = "value-size"
	BenchCmd.Flags().Int(key, benchValueSize, util.WrapString("Size of each cached value in bytes"))

	key = "ttl"
	BenchCmd.Flags().Duration(key, 0, util.WrapString("Optional time-to-live for inserted entries (0 = none)"))

	key = "write-pct"
	BenchCmd.Flags().Int(key, benchWritePct, util.WrapString("Percentage of operations that are inserts (the rest are reads)"))

	key = "loader"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Serve misses through GetWith (single-flight loading) instead of plain Get"))

	key = "engine-metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Dump the engine's Prometheus counters after the run"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchThreads = viper.GetInt("threads")
	benchDuration = viper.GetDuration("duration")
	benchCapacity = viper.GetInt64("capacity")
	benchKeySpread = viper.GetInt("keys")
	benchValueSize = viper.GetInt("value-size")
	benchTTL = viper.GetDuration("ttl")
	benchWritePct = viper.GetInt("write-pct")
	benchUseLoader = viper.GetBool("loader")
	benchShowEngine = viper.GetBool("engine-metrics")

	if benchThreads < 1 || benchKeySpread < 1 || benchWritePct < 0 || benchWritePct > 100 {
		return fmt.Errorf("invalid bench configuration")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Benchmark tool for the willow cache engine")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Threads:   %d\n", benchThreads)
	fmt.Printf("Duration:  %s\n", benchDuration)
	fmt.Printf("Capacity:  %s\n", humanize.Comma(benchCapacity))
	fmt.Printf("Keys:      %s\n", humanize.Comma(int64(benchKeySpread)))
	fmt.Printf("ValueSize: %s\n", humanize.Bytes(uint64(benchValueSize)))
	fmt.Printf("WritePct:  %d%%\n", benchWritePct)
	fmt.Println()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	set := vmetrics.NewSet()

	opts := cache.DefaultOptions[string, []byte]()
	opts.MaxCapacity = benchCapacity
	opts.TimeToLive = benchTTL
	opts.Logger = logger
	opts.Metrics = set
	opts.Name = "bench"

	c, err := willow.New(opts)
	if err != nil {
		return err
	}
	defer c.Close()

	// latency tracking
	registry := gometrics.NewRegistry()
	getTimer := gometrics.NewRegisteredTimer("get", registry)
	insertTimer := gometrics.NewRegisteredTimer("insert", registry)

	value := make([]byte, benchValueSize)
	keys := make([]string, benchKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("bench-key-%d", i)
	}

	fmt.Println("starting workload...")

	var (
		wg       sync.WaitGroup
		hits     int64
		misses   int64
		statsMu  sync.Mutex
		deadline = time.Now().Add(benchDuration)
		ctx      = context.Background()
	)

	wg.Add(benchThreads)
	for t := 0; t < benchThreads; t++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var localHits, localMisses int64

			for time.Now().Before(deadline) {
				key := keys[rng.Intn(benchKeySpread)]

				if rng.Intn(100) < benchWritePct {
					start := time.Now()
					c.Insert(key, value)
					insertTimer.UpdateSince(start)
					continue
				}

				start := time.Now()
				if benchUseLoader {
					_, _ = c.GetWith(ctx, key, func() []byte { return value })
					localHits++
				} else if _, ok := c.Get(key); ok {
					localHits++
				} else {
					localMisses++
				}
				getTimer.UpdateSince(start)
			}

			statsMu.Lock()
			hits += localHits
			misses += localMisses
			statsMu.Unlock()
		}(int64(t) + 1)
	}
	wg.Wait()

	c.RunPendingTasks()

	fmt.Println()
	printTimer("get", getTimer)
	printTimer("insert", insertTimer)

	total := hits + misses
	if total > 0 {
		fmt.Printf("\nhit ratio: %.2f%% (%s hits / %s misses)\n",
			100*float64(hits)/float64(total),
			humanize.Comma(hits), humanize.Comma(misses))
	}

	info := c.Info()
	fmt.Printf("entries: %s, weighted size: %s, shard imbalance: %.2f\n",
		humanize.Comma(int64(info.EntryCount)),
		humanize.Comma(int64(info.WeightedSize)),
		info.ShardBalance.Imbalance)

	if benchShowEngine {
		fmt.Println()
		fmt.Println("engine counters:")
		set.WritePrometheus(os.Stdout)
	}

	return nil
}

// printTimer reports one operation's throughput and latency percentiles.
func printTimer(name string, t gometrics.Timer) {
	if t.Count() == 0 {
		fmt.Printf("%-8s no operations\n", name)
		return
	}
	ps := t.Percentiles([]float64{0.5, 0.99, 0.999})
	fmt.Printf("%-8s %12s ops   %10.0f ops/s   p50 %8s   p99 %8s   p99.9 %8s\n",
		name,
		humanize.Comma(t.Count()),
		t.RateMean(),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
	)
}

// Package config loads the tunable thresholds that govern truck and
// registry behavior (spec.md §4.5, §4.6, §4.7). Grounded on
// ValentinKolb-dKV's cmd/util/util.go, which uses viper.SetDefault plus
// AutomaticEnv to layer environment overrides on top of built-in
// defaults; this package uses a private *viper.Viper instance instead of
// the teacher's package-global viper so multiple Options can be loaded
// independently within one process (e.g. in tests).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options are the tunables that control a Registry and the trucks it
// owns. Every field has a spec.md-mandated default.
type Options struct {
	// MaxLiveTrucks bounds how many TruckWorkers the Registry keeps
	// resolved at once (spec.md §4.7, invariant #7). Default 50.
	MaxLiveTrucks int

	// TagCacheCapacity bounds each truck's tag-value LRU (spec.md §4.5).
	// Default 10000.
	TagCacheCapacity int

	// GlobalCacheCapacity bounds the Registry's shared value LRU
	// (spec.md §4.7). Default 50000.
	GlobalCacheCapacity int

	// FlushCountThreshold is the write-buffer size that triggers an
	// immediate flush (spec.md §4.5.2). Default 100.
	FlushCountThreshold int

	// FlushInterval is the timer armed for a buffer below the count
	// threshold (spec.md §4.5.2). Default 500ms.
	FlushInterval time.Duration

	// CompactThreshold is the number of mutations since the last
	// compaction that triggers a background compact (spec.md §4.5.5).
	// Default 500.
	CompactThreshold int

	// WorkerTimeout bounds a request/response call to a TruckWorker
	// (spec.md §4.6). Default 30s.
	WorkerTimeout time.Duration
}

// Defaults returns the spec-mandated default Options.
func Defaults() Options {
	return Options{
		MaxLiveTrucks:       50,
		TagCacheCapacity:    10000,
		GlobalCacheCapacity: 50000,
		FlushCountThreshold: 100,
		FlushInterval:       500 * time.Millisecond,
		CompactThreshold:    500,
		WorkerTimeout:       30 * time.Second,
	}
}

// Load builds Options from defaults, an optional config file (ignored if
// path is empty or the file does not exist), and environment variables
// prefixed TRUCKDB_ (e.g. TRUCKDB_MAX_LIVE_TRUCKS).
func Load(path string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("truckdb")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("max-live-trucks", def.MaxLiveTrucks)
	v.SetDefault("tag-cache-capacity", def.TagCacheCapacity)
	v.SetDefault("global-cache-capacity", def.GlobalCacheCapacity)
	v.SetDefault("flush-count-threshold", def.FlushCountThreshold)
	v.SetDefault("flush-interval-ms", int(def.FlushInterval/time.Millisecond))
	v.SetDefault("compact-threshold", def.CompactThreshold)
	v.SetDefault("worker-timeout-s", int(def.WorkerTimeout/time.Second))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return Options{}, err
			}
		}
	}

	return Options{
		MaxLiveTrucks:       v.GetInt("max-live-trucks"),
		TagCacheCapacity:    v.GetInt("tag-cache-capacity"),
		GlobalCacheCapacity: v.GetInt("global-cache-capacity"),
		FlushCountThreshold: v.GetInt("flush-count-threshold"),
		FlushInterval:       time.Duration(v.GetInt("flush-interval-ms")) * time.Millisecond,
		CompactThreshold:    v.GetInt("compact-threshold"),
		WorkerTimeout:       time.Duration(v.GetInt("worker-timeout-s")) * time.Second,
	}, nil
}

package config

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend"
)

// Config represents the configuration of one MapReduce run.
type Config struct {
	Runtime     RuntimeConfig     `koanf:"runtime"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	MergeTree   MergeTreeConfig   `koanf:"mergetree"`
	ExtSort     ExtSortConfig     `koanf:"extsort"`
	Output      OutputConfig      `koanf:"output"`
	Tracing     TracingConfig     `koanf:"tracing"`
	Log         LogConfig         `koanf:"log"`
	App         AppConfig         `koanf:"app"`
}

type RuntimeConfig struct {
	Cores      int  `koanf:"cores"` // 0 = number of CPUs
	PinThreads bool `koanf:"pin_threads"`
}

type AggregationConfig struct {
	Backend        string `koanf:"backend"` // mergetree | hashtable | sparsehash | extsort
	Shards         int    `koanf:"shards"`  // 0 = one per core
	BufferCapacity int    `koanf:"buffer_capacity"`
	PoolMultiplier int    `koanf:"pool_multiplier"`
}

type MergeTreeConfig struct {
	Storage string `koanf:"storage"` // bbolt | inmemory
	Dir     string `koanf:"dir"`
}

type ExtSortConfig struct {
	TempDir       string `koanf:"temp_dir"`
	MemoryLimitMB int    `koanf:"memory_limit_mb"`
	Outstanding   int    `koanf:"outstanding"` // 0 = 10 per core
}

type OutputConfig struct {
	Path   string `koanf:"path"`   // empty = stdout
	Top    int    `koanf:"top"`    // 0 = everything
	Stream bool   `koanf:"stream"` // write records while draining, unsorted
}

type TracingConfig struct {
	Endpoint string `koanf:"endpoint"` // empty disables export
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type AppConfig struct {
	Record string `koanf:"record"` // registered record operations
}

func (c *Config) Validate() error {
	if c.Runtime.Cores <= 0 {
		return fmt.Errorf("runtime.cores must be > 0")
	}

	if !slices.Contains(backend.Kinds, backend.Kind(c.Aggregation.Backend)) {
		return fmt.Errorf("invalid aggregation.backend %q (must be one of %v)", c.Aggregation.Backend, backend.Kinds)
	}
	if c.Aggregation.Shards <= 0 {
		return fmt.Errorf("aggregation.shards must be > 0")
	}
	if c.Aggregation.BufferCapacity <= 0 {
		return fmt.Errorf("aggregation.buffer_capacity must be > 0")
	}
	if c.Aggregation.PoolMultiplier <= 0 {
		return fmt.Errorf("aggregation.pool_multiplier must be > 0")
	}

	if c.MergeTree.Storage != backend.StorageBbolt && c.MergeTree.Storage != backend.StorageInMemory {
		return fmt.Errorf("invalid mergetree.storage %q (must be bbolt or inmemory)", c.MergeTree.Storage)
	}

	if c.ExtSort.MemoryLimitMB <= 0 {
		return fmt.Errorf("extsort.memory_limit_mb must be > 0")
	}
	if c.ExtSort.Outstanding < 0 {
		return fmt.Errorf("extsort.outstanding must be >= 0")
	}

	if c.Output.Top < 0 {
		return fmt.Errorf("output.top must be >= 0")
	}
	if c.Output.Stream && c.Output.Top > 0 {
		return fmt.Errorf("output.top needs sorted results and cannot be used with output.stream")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	if strings.TrimSpace(c.App.Record) == "" {
		return fmt.Errorf("app.record is required")
	}

	return nil
}

// Backend returns the backend settings of the run.
func (c *Config) Backend() backend.Config {
	return backend.Config{
		Kind:        backend.Kind(c.Aggregation.Backend),
		Shards:      c.Aggregation.Shards,
		Storage:     c.MergeTree.Storage,
		Dir:         c.MergeTree.Dir,
		TempDir:     c.ExtSort.TempDir,
		MemoryLimit: int64(c.ExtSort.MemoryLimitMB) << 20,
		Outstanding: int64(c.ExtSort.Outstanding),
	}
}

// Load parses config from defaults, an optional YAML file and MCMR_ env vars
// (MCMR_AGGREGATION__BACKEND=extsort sets aggregation.backend), then
// validates it. defaultRecord is the record operations used when the
// config does not name any.
func Load(configPath, defaultRecord string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"runtime.cores":               0,
		"runtime.pin_threads":         false,
		"aggregation.backend":         string(backend.HashTable),
		"aggregation.shards":          0,
		"aggregation.buffer_capacity": 100_000,
		"aggregation.pool_multiplier": 3,
		"mergetree.storage":           backend.StorageBbolt,
		"mergetree.dir":               "",
		"extsort.temp_dir":            "",
		"extsort.memory_limit_mb":     256,
		"extsort.outstanding":         0,
		"output.path":                 "",
		"output.top":                  0,
		"output.stream":               false,
		"tracing.endpoint":            "",
		"log.level":                   "info",
		"log.format":                  "text",
		"app.record":                  defaultRecord,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("MCMR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MCMR_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Runtime.Cores == 0 {
		cfg.Runtime.Cores = runtime.NumCPU()
	}
	if cfg.Aggregation.Shards == 0 {
		cfg.Aggregation.Shards = cfg.Runtime.Cores
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

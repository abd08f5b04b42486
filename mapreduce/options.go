package mapreduce

import "runtime"

// Option configures a Runtime.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	cores   int
	pin     bool
	manager ManagerOptions
}

func defaultRuntimeConfig() *runtimeConfig {
	return &runtimeConfig{
		cores: runtime.GOMAXPROCS(0),
	}
}

// WithCores sets the number of map workers. Zero or less keeps the default,
// GOMAXPROCS.
func WithCores(n int) Option {
	return func(c *runtimeConfig) {
		if n > 0 {
			c.cores = n
		}
	}
}

// WithBufferCapacity sets how many records a producer buffers per shard
// before submitting them.
func WithBufferCapacity(n int) Option {
	return func(c *runtimeConfig) {
		c.manager.BufferCapacity = n
	}
}

// WithPoolMultiplier sizes the buffer pool as cores x shards x n.
func WithPoolMultiplier(n int) Option {
	return func(c *runtimeConfig) {
		c.manager.PoolMultiplier = n
	}
}

// WithPoolSize sets the exact number of pooled buffers.
func WithPoolSize(n int) Option {
	return func(c *runtimeConfig) {
		c.manager.PoolSize = n
	}
}

// WithPinning locks every map worker to an OS thread bound to one CPU for
// the duration of the map phase. Binding is only supported on Linux; on
// other systems workers are locked to a thread without affinity.
func WithPinning(pin bool) Option {
	return func(c *runtimeConfig) {
		c.pin = pin
	}
}

package pool

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fortiblox/strand/pkg/threads"
)

const (
	// DefaultIdleWait bounds each wait for an idle worker. Callers re-check
	// their context after every wake.
	DefaultIdleWait = 50 * time.Millisecond

	// DefaultReadyTimeout bounds the wait for the initial workers.
	DefaultReadyTimeout = 30 * time.Second
)

// ErrInvalidConfig is returned for an unusable pool configuration.
var ErrInvalidConfig = errors.New("invalid pool configuration")

// Config configures a Pool.
type Config struct {
	// Concurrency is the number of workers spawned up front.
	Concurrency int

	// MaxWorkers caps the workers spawned on demand when no worker is idle.
	// It is further bounded by the image's thread limit minus the
	// originating context.
	MaxWorkers int

	// IdleWait bounds each wait for a worker to become idle.
	IdleWait time.Duration

	// ReadyTimeout bounds the wait for the initial workers to initialize.
	ReadyTimeout time.Duration

	// Runtime configures the runtime the pool creates. Its child entry is
	// replaced by the worker loop.
	Runtime threads.Config

	Observer Observer
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Concurrency:  n,
		MaxWorkers:   n,
		IdleWait:     DefaultIdleWait,
		ReadyTimeout: DefaultReadyTimeout,
		Runtime:      threads.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}
	if c.MaxWorkers < c.Concurrency {
		return fmt.Errorf("%w: max workers %d below concurrency %d", ErrInvalidConfig, c.MaxWorkers, c.Concurrency)
	}
	if c.IdleWait <= 0 {
		return fmt.Errorf("%w: idle wait must be positive", ErrInvalidConfig)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("%w: ready timeout must be positive", ErrInvalidConfig)
	}
	return c.Runtime.Validate()
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = c.Concurrency
	}
	if c.IdleWait == 0 {
		c.IdleWait = d.IdleWait
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	c.Runtime = c.Runtime.WithDefaults()
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// ConfigBuilder provides a fluent API for building pool configurations.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder creates a builder starting from DefaultConfig.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// WithConcurrency sets the number of initial workers. MaxWorkers is raised
// to match when lower.
func (b *ConfigBuilder) WithConcurrency(n int) *ConfigBuilder {
	b.config.Concurrency = n
	if b.config.MaxWorkers < n {
		b.config.MaxWorkers = n
	}
	return b
}

// WithMaxWorkers sets the on-demand worker cap.
func (b *ConfigBuilder) WithMaxWorkers(n int) *ConfigBuilder {
	b.config.MaxWorkers = n
	return b
}

// WithMemory sets the initial and maximum memory size in pages.
func (b *ConfigBuilder) WithMemory(initialPages, maxPages uint32) *ConfigBuilder {
	b.config.Runtime.InitialPages = initialPages
	b.config.Runtime.MaxPages = maxPages
	return b
}

// WithComputeBudget sets the compute budget of each job.
func (b *ConfigBuilder) WithComputeBudget(cu uint64) *ConfigBuilder {
	b.config.Runtime.ComputeBudget = cu
	return b
}

// WithHosts sets the execution host factory.
func (b *ConfigBuilder) WithHosts(h threads.HostFactory) *ConfigBuilder {
	b.config.Runtime.Hosts = h
	return b
}

// WithIdleWait sets the idle wait bound.
func (b *ConfigBuilder) WithIdleWait(d time.Duration) *ConfigBuilder {
	b.config.IdleWait = d
	return b
}

// WithReadyTimeout sets the initial worker readiness timeout.
func (b *ConfigBuilder) WithReadyTimeout(d time.Duration) *ConfigBuilder {
	b.config.ReadyTimeout = d
	return b
}

// WithObserver sets the job observer.
func (b *ConfigBuilder) WithObserver(o Observer) *ConfigBuilder {
	b.config.Observer = o
	return b
}

// WithRuntimeObserver sets the runtime lifecycle observer.
func (b *ConfigBuilder) WithRuntimeObserver(o threads.Observer) *ConfigBuilder {
	b.config.Runtime.Observer = o
	return b
}

// Build returns the configuration, or an error if it is invalid.
func (b *ConfigBuilder) Build() (Config, error) {
	cfg := b.config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustBuild is like Build but panics on an invalid configuration.
func (b *ConfigBuilder) MustBuild() Config {
	cfg, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("invalid pool config: %v", err))
	}
	return cfg
}

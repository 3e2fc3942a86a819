// Package config loads echodispatchd's TOML configuration and implements
// the store connection retry policy described in spec.md §7.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for echodispatchd.
type Config struct {
	Store  StoreConfig  `toml:"store"`
	Ingress IngressConfig `toml:"ingress"`
}

// StoreConfig configures the connection to the shared store.
type StoreConfig struct {
	// Addr is the store's network address, e.g. "127.0.0.1:6379".
	Addr string `toml:"addr"`

	// Retry configures the connection retry policy.
	Retry RetryPolicy `toml:"retry"`
}

// IngressConfig configures the HTTP front door.
type IngressConfig struct {
	// ListenAddr is the address the HTTP server binds, e.g. ":8080".
	ListenAddr string `toml:"listen_addr"`

	// MaxSubmissionsPerSecond bounds per-client submission rate. Zero
	// disables the limiter.
	MaxSubmissionsPerSecond int `toml:"max_submissions_per_second"`
}

// RetryPolicy configures reconnection backoff, per spec.md §7: first
// attempt after FirstDelay, subsequent delays grow linearly
// (totalRetryTime/(attempt-1)*2), giving up after 3+max(timesConnected,5)
// attempts.
type RetryPolicy struct {
	// FirstDelay is the delay before the first reconnect attempt.
	// Defaults to 100ms if zero.
	FirstDelay time.Duration `toml:"first_delay"`

	// MinGiveUpAttempts is the floor on the attempt budget; the effective
	// budget is 3+max(timesConnected, MinGiveUpAttempts). Defaults to 5 if
	// zero.
	MinGiveUpAttempts int `toml:"min_give_up_attempts"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Addr: "127.0.0.1:6379",
			Retry: RetryPolicy{
				FirstDelay:        100 * time.Millisecond,
				MinGiveUpAttempts: 5,
			},
		},
		Ingress: IngressConfig{
			ListenAddr:              ":8080",
			MaxSubmissionsPerSecond: 50,
		},
	}
}

// Load reads and parses a TOML file at path, layering its values over
// Default. A missing or empty path yields Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Store.Addr == "" {
		return fmt.Errorf("config: store.addr must not be empty")
	}
	if c.Store.Retry.FirstDelay < 0 {
		return fmt.Errorf("config: store.retry.first_delay must not be negative")
	}
	if c.Store.Retry.MinGiveUpAttempts < 0 {
		return fmt.Errorf("config: store.retry.min_give_up_attempts must not be negative")
	}
	return nil
}

// normalized fills zero-valued fields of RetryPolicy with their documented
// defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.FirstDelay == 0 {
		p.FirstDelay = 100 * time.Millisecond
	}
	if p.MinGiveUpAttempts == 0 {
		p.MinGiveUpAttempts = 5
	}
	return p
}

// MaxAttempts returns the effective give-up budget for a connection that
// has previously connected successfully timesConnected times, per
// spec.md §7: 3+max(timesConnected, MinGiveUpAttempts).
func (p RetryPolicy) MaxAttempts(timesConnected int) int {
	p = p.normalized()
	floor := p.MinGiveUpAttempts
	if timesConnected > floor {
		floor = timesConnected
	}
	return 3 + floor
}

// NextDelay returns the delay before the attempt'th reconnect attempt
// (1-indexed), given the total time already spent retrying this
// connection cycle.
func (p RetryPolicy) NextDelay(attempt int, totalRetryTime time.Duration) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return p.FirstDelay
	}
	return time.Duration(float64(totalRetryTime) / float64(attempt-1) * 2)
}

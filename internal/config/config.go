// Package config loads coordinator and node settings from defaults, an
// optional TOML file and STRATA_* environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/multierr"

	"github.com/dreamware/strata/internal/balancer"
)

// EnvPrefix is the prefix of environment overrides. STRATA_BALANCER_MAX_MOVES
// sets balancer.max_moves: the first underscore after the prefix separates
// the section from the key.
const EnvPrefix = "STRATA_"

type Config struct {
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Node        NodeConfig        `koanf:"node"`
	Balancer    BalancerConfig    `koanf:"balancer"`
	Health      HealthConfig      `koanf:"health"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type CoordinatorConfig struct {
	Addr string `koanf:"addr"` // listen address
}

type NodeConfig struct {
	ID             string `koanf:"id"` // empty means node-<uuid>
	Listen         string `koanf:"listen"`
	Addr           string `koanf:"addr"` // URL the coordinator uses to reach the node
	CoordinatorURL string `koanf:"coordinator_url"`
	MaxSize        int64  `koanf:"max_size"`
}

type BalancerConfig struct {
	Parallelism       int           `koanf:"parallelism"`
	Period            time.Duration `koanf:"period"`
	MaxMoves          int           `koanf:"max_moves"`
	ComputeTimeout    time.Duration `koanf:"compute_timeout"`
	HalfLife          time.Duration `koanf:"half_life"`
	SizeScale         int64         `koanf:"size_scale"`
	SameSourcePenalty float64       `koanf:"same_source_penalty"`
	RecencyWindow     time.Duration `koanf:"recency_window"`
	RecencyMultiplier float64       `koanf:"recency_multiplier"`
	UseRecency        bool          `koanf:"use_recency"` // reference time = process start
	CommandRate       float64       `koanf:"command_rate"`
	CommandBurst      int           `koanf:"command_burst"`
	MaxAttempts       int           `koanf:"max_attempts"`
}

type HealthConfig struct {
	Interval    time.Duration `koanf:"interval"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxFailures int           `koanf:"max_failures"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // pretty or json
}

// Load reads config from the TOML file at path (if not empty) then overlays
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	loadDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps STRATA_NODE_MAX_SIZE to node.max_size. Empty values are
// skipped so they do not override the file.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1), value
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	b := c.Balancer
	if b.Parallelism < 1 {
		err = multierr.Append(err, fmt.Errorf("balancer.parallelism must be at least 1, got %d", b.Parallelism))
	}
	if b.Period <= 0 {
		err = multierr.Append(err, fmt.Errorf("balancer.period must be positive, got %s", b.Period))
	}
	if b.MaxMoves < 0 {
		err = multierr.Append(err, fmt.Errorf("balancer.max_moves must not be negative, got %d", b.MaxMoves))
	}
	if b.ComputeTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("balancer.compute_timeout must not be negative, got %s", b.ComputeTimeout))
	}
	if b.MaxAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("balancer.max_attempts must be at least 1, got %d", b.MaxAttempts))
	}
	if perr := b.CostParams(time.Now()).Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("balancer: %w", perr))
	}

	if c.Health.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("health.interval must be positive, got %s", c.Health.Interval))
	}
	if c.Health.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("health.timeout must be positive, got %s", c.Health.Timeout))
	}
	if c.Health.MaxFailures < 1 {
		err = multierr.Append(err, fmt.Errorf("health.max_failures must be at least 1, got %d", c.Health.MaxFailures))
	}

	if c.Node.MaxSize < 0 {
		err = multierr.Append(err, fmt.Errorf("node.max_size must not be negative, got %d", c.Node.MaxSize))
	}

	switch c.Logging.Format {
	case "pretty", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format must be pretty or json, got %q", c.Logging.Format))
	}
	return err
}

// CostParams converts the balancer settings into cost parameters. now is the
// recency reference time and is ignored unless UseRecency is set.
func (b BalancerConfig) CostParams(now time.Time) balancer.CostParams {
	p := balancer.CostParams{
		HalfLife:          b.HalfLife,
		SizeScale:         b.SizeScale,
		SameSourcePenalty: b.SameSourcePenalty,
		RecencyWindow:     b.RecencyWindow,
		RecencyMultiplier: b.RecencyMultiplier,
	}
	if b.UseRecency {
		p.ReferenceTime = now
	}
	return p
}

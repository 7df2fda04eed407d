// Package config loads the service configuration from defaults, an
// optional YAML file and RANDOMX_* environment variables, in that order.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/VanDung-dev/RandomX-Engine/engine"
	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the full service configuration.
type Config struct {
	// Key is the seed as text. KeyHex takes precedence when set.
	Key    string `yaml:"key"`
	KeyHex string `yaml:"key_hex"`
	// Flags is a flag list as accepted by randomx.ParseFlags. Empty uses
	// the recommended flags for this machine.
	Flags       string `yaml:"flags"`
	FullMemory  bool   `yaml:"full_memory"`
	Workers     int    `yaml:"workers"`
	InitThreads int    `yaml:"init_threads"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	ZMQ     ZMQConfig     `yaml:"zmq"`
	Arrow   ArrowConfig   `yaml:"arrow"`
	Auth    AuthConfig    `yaml:"auth"`
}

// LogConfig selects the log level and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// ZMQConfig configures the ZeroMQ front end. An empty Endpoint disables it.
type ZMQConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	RateLimit    float64       `yaml:"rate_limit"`
	Burst        int           `yaml:"burst"`
	ReplayWindow time.Duration `yaml:"replay_window"`
	MaxInputs    int           `yaml:"max_inputs"`
}

// ArrowConfig configures the Arrow IPC front end. An empty Addr disables it.
type ArrowConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	MaxBatch  int     `yaml:"max_batch"`
}

// AuthConfig holds the shared-token settings for both front ends.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "randomx",
		},
		ZMQ: ZMQConfig{
			Endpoint:     "tcp://127.0.0.1:5555",
			RateLimit:    1000,
			Burst:        100,
			ReplayWindow: 60 * time.Second,
			MaxInputs:    256,
		},
		Arrow: ArrowConfig{
			Addr:      "127.0.0.1:50051",
			RateLimit: 100,
			Burst:     10,
			MaxBatch:  4096,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.Parse(data); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the current values. Unknown keys are rejected.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from RANDOMX_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, name, v)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, name, v)
		}
		*dst = b
		return nil
	}

	str("RANDOMX_KEY", &c.Key)
	str("RANDOMX_KEY_HEX", &c.KeyHex)
	str("RANDOMX_FLAGS", &c.Flags)
	str("RANDOMX_LOG_LEVEL", &c.Log.Level)
	str("RANDOMX_LOG_FORMAT", &c.Log.Format)
	str("RANDOMX_METRICS_ADDR", &c.Metrics.Addr)
	str("RANDOMX_ZMQ_ENDPOINT", &c.ZMQ.Endpoint)
	str("RANDOMX_ARROW_ADDR", &c.Arrow.Addr)
	str("RANDOMX_AUTH_TOKEN", &c.Auth.Token)

	return errors.Join(
		boolean("RANDOMX_FULL_MEMORY", &c.FullMemory),
		boolean("RANDOMX_AUTH_ENABLED", &c.Auth.Enabled),
		num("RANDOMX_WORKERS", &c.Workers),
		num("RANDOMX_INIT_THREADS", &c.InitThreads),
	)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Seed(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.VMFlags(); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("%w: workers must not be negative", ErrInvalid))
	}
	if c.InitThreads < 0 {
		errs = append(errs, fmt.Errorf("%w: init_threads must not be negative", ErrInvalid))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format))
	}
	if c.ZMQ.Endpoint != "" && c.ZMQ.MaxInputs <= 0 {
		errs = append(errs, fmt.Errorf("%w: zmq.max_inputs must be positive", ErrInvalid))
	}
	if c.Arrow.Addr != "" && c.Arrow.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("%w: arrow.max_batch must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Seed returns the configured RandomX key.
func (c *Config) Seed() ([]byte, error) {
	if c.KeyHex != "" {
		seed, err := hex.DecodeString(c.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: key_hex: %v", ErrInvalid, err)
		}
		if len(seed) == 0 {
			return nil, fmt.Errorf("%w: key_hex is empty", ErrInvalid)
		}
		return seed, nil
	}
	if c.Key == "" {
		return nil, fmt.Errorf("%w: key or key_hex is required", ErrInvalid)
	}
	return []byte(c.Key), nil
}

// VMFlags returns the parsed flags, or the recommended flags when none are
// configured. FlagFullMem follows FullMemory.
func (c *Config) VMFlags() (randomx.Flags, error) {
	if c.Flags == "" {
		return randomx.RecommendedFlags(), nil
	}
	f, err := randomx.ParseFlags(c.Flags)
	if err != nil {
		return 0, fmt.Errorf("%w: flags: %v", ErrInvalid, err)
	}
	return f.Without(randomx.FlagFullMem), nil
}

// HasherConfig maps the configuration onto engine.Config.
func (c *Config) HasherConfig() (engine.Config, error) {
	flags, err := c.VMFlags()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Flags:       flags,
		FullMemory:  c.FullMemory,
		Workers:     c.Workers,
		InitThreads: c.InitThreads,
	}, nil
}

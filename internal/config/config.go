package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// Config holds the tunables of the state manager. A zero Config is not
// usable; start from Default.
type Config struct {
	// KV cache quantization
	KVPrecision    string
	GroupSize      int
	QuantByChannel bool

	// fork-join pool
	Workers  int
	MinChunk int

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func Default() Config {
	return Config{
		KVPrecision: "u8",
		GroupSize:   32,
		Workers:     runtime.GOMAXPROCS(0),
		MinChunk:    4,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

func (c *Config) Validate() error {
	p, err := tensor.ParsePrecision(c.KVPrecision)
	if err != nil {
		return fmt.Errorf("invalid kv_precision: %q", c.KVPrecision)
	}
	if p == tensor.I32 {
		return fmt.Errorf("invalid kv_precision: %q (must be a float or u8 precision)", c.KVPrecision)
	}
	if p == tensor.U8 && c.GroupSize <= 0 {
		return fmt.Errorf("invalid group_size: %d (must be positive for u8 caches)", c.GroupSize)
	}
	if c.GroupSize < 0 {
		return fmt.Errorf("invalid group_size: %d (must be non-negative)", c.GroupSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	if c.MinChunk < 0 {
		return fmt.Errorf("invalid min_chunk: %d (must be non-negative)", c.MinChunk)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// Precision returns the parsed KV cache precision. Call Validate first.
func (c *Config) Precision() tensor.Precision {
	p, err := tensor.ParsePrecision(c.KVPrecision)
	if err != nil {
		return tensor.F32
	}
	return p
}

func (c *Config) IsQuantized() bool {
	return c.Precision() == tensor.U8
}

// EnvVar documents one VARSTATE_* override.
type EnvVar struct {
	Name        string
	Description string
}

func EnvVars() []EnvVar {
	return []EnvVar{
		{"VARSTATE_KV_PRECISION", "KV cache storage precision: f32, f16, bf16 or u8"},
		{"VARSTATE_GROUP_SIZE", "Quantization group size (default 32)"},
		{"VARSTATE_QUANT_BY_CHANNEL", "Quantize per channel along the sequence axis (e.g. VARSTATE_QUANT_BY_CHANNEL=1)"},
		{"VARSTATE_WORKERS", "Parallel-for worker count (default GOMAXPROCS)"},
		{"VARSTATE_MIN_CHUNK", "Smallest work size that is split across workers"},
		{"VARSTATE_LOG_LEVEL", "debug, info, warn or error"},
		{"VARSTATE_LOG_FORMAT", "console or json"},
		{"VARSTATE_METRICS_ADDR", "Address to serve /health, /status and /metrics (unset disables)"},
	}
}

// FromEnv overlays VARSTATE_* environment variables onto c.
func (c *Config) FromEnv() error {
	return c.fromLookup(os.LookupEnv)
}

func (c *Config) fromLookup(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = n
		return nil
	}

	str("VARSTATE_KV_PRECISION", &c.KVPrecision)
	str("VARSTATE_LOG_LEVEL", &c.LogLevel)
	str("VARSTATE_LOG_FORMAT", &c.LogFormat)
	str("VARSTATE_METRICS_ADDR", &c.MetricsAddr)
	if err := integer("VARSTATE_GROUP_SIZE", &c.GroupSize); err != nil {
		return err
	}
	if err := integer("VARSTATE_WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := integer("VARSTATE_MIN_CHUNK", &c.MinChunk); err != nil {
		return err
	}
	if v, ok := lookup("VARSTATE_QUANT_BY_CHANNEL"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid VARSTATE_QUANT_BY_CHANNEL: %q", v)
		}
		c.QuantByChannel = b
	}
	return nil
}

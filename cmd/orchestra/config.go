package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/api"
	"github.com/xraph/orchestra/queue"
)

// fileConfig is the YAML server configuration.
type fileConfig struct {
	HTTP struct {
		Addr string `yaml:"addr"`
		// BasePath prefixes every API route. An empty value mounts them at
		// the root.
		BasePath string `yaml:"basePath"`
	} `yaml:"http"`

	Store struct {
		// Driver is memory, postgres or redis.
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"store"`

	Engine struct {
		SweepInterval      time.Duration `yaml:"sweepInterval"`
		DefaultLease       time.Duration `yaml:"defaultLease"`
		MaxLease           time.Duration `yaml:"maxLease"`
		DefaultTaskTimeout time.Duration `yaml:"defaultTaskTimeout"`
		MaxPollCount       int           `yaml:"maxPollCount"`
		Retention          time.Duration `yaml:"retention"`
		ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"engine"`

	Queues []struct {
		TaskType    string  `yaml:"taskType"`
		RateLimit   float64 `yaml:"rateLimit"`
		RateBurst   int     `yaml:"rateBurst"`
		MaxInFlight int     `yaml:"maxInFlight"`
	} `yaml:"queues"`

	Tenants []struct {
		TaskType  string  `yaml:"taskType"`
		TenantID  string  `yaml:"tenantId"`
		RateLimit float64 `yaml:"rateLimit"`
		RateBurst int     `yaml:"rateBurst"`
	} `yaml:"tenants"`

	// Definitions are YAML files registered at startup.
	Definitions []string `yaml:"definitions"`

	Workers struct {
		// Triage runs the example's non-model handlers in process.
		Triage bool `yaml:"triage"`
	} `yaml:"workers"`

	Audit struct {
		// Enabled writes lifecycle audit events to the log.
		Enabled bool `yaml:"enabled"`
		// Actions restricts the audited actions. Empty audits all of them.
		Actions []string `yaml:"actions"`
	} `yaml:"audit"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaultFileConfig() fileConfig {
	var c fileConfig
	c.HTTP.Addr = ":8080"
	c.HTTP.BasePath = api.DefaultBasePath
	c.Store.Driver = "memory"
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (fileConfig, error) {
	cfg := defaultFileConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	switch cfg.Store.Driver {
	case "memory", "postgres", "redis":
	default:
		return cfg, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return cfg, fmt.Errorf("store.dsn is required for postgres")
	}
	if cfg.Store.Driver == "redis" && cfg.Store.Addr == "" {
		return cfg, fmt.Errorf("store.addr is required for redis")
	}
	return cfg, nil
}

// orchestraConfig overlays the non-zero engine settings on the defaults.
func (c fileConfig) orchestraConfig() orchestra.Config {
	oc := orchestra.DefaultConfig()
	e := c.Engine
	if e.SweepInterval > 0 {
		oc.SweepInterval = e.SweepInterval
	}
	if e.DefaultLease > 0 {
		oc.DefaultLease = e.DefaultLease
	}
	if e.MaxLease > 0 {
		oc.MaxLease = e.MaxLease
	}
	if e.DefaultTaskTimeout > 0 {
		oc.DefaultTaskTimeout = e.DefaultTaskTimeout
	}
	if e.MaxPollCount > 0 {
		oc.MaxPollCount = e.MaxPollCount
	}
	if e.Retention > 0 {
		oc.Retention = e.Retention
	}
	if e.ShutdownTimeout > 0 {
		oc.ShutdownTimeout = e.ShutdownTimeout
	}
	return oc
}

func (c fileConfig) queueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, queue.Config{
			TaskType:    q.TaskType,
			RateLimit:   q.RateLimit,
			RateBurst:   q.RateBurst,
			MaxInFlight: q.MaxInFlight,
		})
	}
	return out
}

func (c fileConfig) tenantConfigs() []queue.TenantConfig {
	out := make([]queue.TenantConfig, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		out = append(out, queue.TenantConfig{
			TaskType:  t.TaskType,
			TenantID:  t.TenantID,
			RateLimit: t.RateLimit,
			RateBurst: t.RateBurst,
		})
	}
	return out
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

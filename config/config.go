package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stratosure/dbarbiter/consts"
	"github.com/stratosure/dbarbiter/helpers"
	"github.com/stratosure/dbarbiter/logger"
)

// EndpointConfig holds configuration for a single database endpoint.
//
// WRITE endpoint: a single host unless fronted by a proxy layer
// (PgBouncer, HAProxy) with its own redundancy.
//
// READ endpoint: multiple hosts are the common case; each host becomes
// an independently health-checked, circuit-breaker-guarded replica pool.
type EndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            string   `toml:"port"` // default "5432"
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`          // maximum connections per pool
	MinConns        int      `toml:"min_conns"`          // minimum idle connections per pool
	MaxConnLifetime string   `toml:"max_conn_lifetime"`  // e.g. "1h"
	MaxConnIdleTime string   `toml:"max_conn_idle_time"` // e.g. "30m"
}

// GetMaxConnLifetime parses the max connection lifetime for an endpoint.
func (e *EndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time for an endpoint.
func (e *EndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetPort returns the endpoint port, defaulting to the PostgreSQL port.
func (e *EndpointConfig) GetPort() string {
	if e.Port == "" {
		return "5432"
	}
	return e.Port
}

// DatabaseConfig holds database configuration with separate write, read,
// and admin endpoints.
type DatabaseConfig struct {
	Debug        bool            `toml:"debug"`         // enable SQL query logging
	QueryTimeout string          `toml:"query_timeout"` // default timeout for queries (default "30s")
	WriteTimeout string          `toml:"write_timeout"` // timeout for write operations (default "10s")
	Write        *EndpointConfig `toml:"write"`
	Read         *EndpointConfig `toml:"read"`
	Admin        *EndpointConfig `toml:"admin"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// RedisConfig holds the shared coordination store settings. The rate
// limiter and the admission queue live here; every application instance
// sharing the same limits must point at the same store.
type RedisConfig struct {
	Addr      string `toml:"addr"` // host:port (default "localhost:6379")
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"` // default "dbarbiter:"
}

func (r *RedisConfig) GetAddr() string {
	if r.Addr == "" {
		return "localhost:6379"
	}
	return r.Addr
}

func (r *RedisConfig) GetKeyPrefix() string {
	if r.KeyPrefix == "" {
		return "dbarbiter:"
	}
	return r.KeyPrefix
}

// ArbitrationConfig tunes admission, rate limiting, health checking and
// circuit breaking. Zero values fall back to consts defaults.
type ArbitrationConfig struct {
	RateLimitWindow      string `toml:"rate_limit_window"`       // sliding window (default "60s")
	RateLimitMaxRequests int    `toml:"rate_limit_max_requests"` // per-client budget (default 100)
	MaxQueueDepth        int64  `toml:"max_queue_depth"`         // admission queue cap (default 1000)
	AcquireTimeout       string `toml:"acquire_timeout"`         // default wait bound (default "30s")
	HealthCheckInterval  string `toml:"health_check_interval"`   // replica probe period (default "10s")
	ProbeTimeout         string `toml:"probe_timeout"`           // single probe deadline (default "2s")
	FailureThreshold     int    `toml:"failure_threshold"`       // breaker trip count (default 5)
	RecoveryTimeout      string `toml:"recovery_timeout"`        // breaker open period (default "60s")
	HalfOpenRequests     int    `toml:"half_open_requests"`      // breaker trial quota (default 3)
	SlowQueryThreshold   string `toml:"slow_query_threshold"`    // slow query cutoff (default "1s")
}

func (a *ArbitrationConfig) GetRateLimitWindow() (time.Duration, error) {
	if a.RateLimitWindow == "" {
		return consts.DefaultRateLimitWindow, nil
	}
	return helpers.ParseDuration(a.RateLimitWindow)
}

func (a *ArbitrationConfig) GetRateLimitMaxRequests() int {
	if a.RateLimitMaxRequests <= 0 {
		return consts.DefaultRateLimitMaxRequests
	}
	return a.RateLimitMaxRequests
}

func (a *ArbitrationConfig) GetMaxQueueDepth() int64 {
	if a.MaxQueueDepth <= 0 {
		return consts.DefaultMaxQueueDepth
	}
	return a.MaxQueueDepth
}

func (a *ArbitrationConfig) GetAcquireTimeout() (time.Duration, error) {
	if a.AcquireTimeout == "" {
		return consts.DefaultAcquireTimeout, nil
	}
	return helpers.ParseDuration(a.AcquireTimeout)
}

func (a *ArbitrationConfig) GetHealthCheckInterval() (time.Duration, error) {
	if a.HealthCheckInterval == "" {
		return consts.DefaultHealthCheckInterval, nil
	}
	return helpers.ParseDuration(a.HealthCheckInterval)
}

func (a *ArbitrationConfig) GetProbeTimeout() (time.Duration, error) {
	if a.ProbeTimeout == "" {
		return consts.DefaultProbeTimeout, nil
	}
	return helpers.ParseDuration(a.ProbeTimeout)
}

func (a *ArbitrationConfig) GetFailureThreshold() int {
	if a.FailureThreshold <= 0 {
		return consts.DefaultFailureThreshold
	}
	return a.FailureThreshold
}

func (a *ArbitrationConfig) GetRecoveryTimeout() (time.Duration, error) {
	if a.RecoveryTimeout == "" {
		return consts.DefaultRecoveryTimeout, nil
	}
	return helpers.ParseDuration(a.RecoveryTimeout)
}

func (a *ArbitrationConfig) GetHalfOpenRequests() int {
	if a.HalfOpenRequests <= 0 {
		return consts.DefaultHalfOpenRequests
	}
	return a.HalfOpenRequests
}

func (a *ArbitrationConfig) GetSlowQueryThreshold() (time.Duration, error) {
	if a.SlowQueryThreshold == "" {
		return consts.DefaultSlowQueryThreshold, nil
	}
	return helpers.ParseDuration(a.SlowQueryThreshold)
}

// APIConfig configures the diagnostics HTTP server.
type APIConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`    // default ":9043"
	APIKey string `toml:"api_key"` // required when Start is true
}

func (a *APIConfig) GetAddr() string {
	if a.Addr == "" {
		return ":9043"
	}
	return a.Addr
}

// Config is the root configuration object.
type Config struct {
	Logging     logger.Config     `toml:"logging"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	Arbitration ArbitrationConfig `toml:"arbitration"`
	API         APIConfig         `toml:"api"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for structural errors. Duration
// strings are parsed eagerly here so a typo fails at startup instead of
// on the first acquire.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database: [database.write] endpoint is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database: write endpoint needs at least one host")
	}
	if c.Database.Read != nil && len(c.Database.Read.Hosts) == 0 {
		return fmt.Errorf("database: read endpoint configured without hosts")
	}

	for _, ep := range []*EndpointConfig{c.Database.Write, c.Database.Read, c.Database.Admin} {
		if ep == nil {
			continue
		}
		if ep.MaxConns < 0 || ep.MinConns < 0 {
			return fmt.Errorf("database: negative pool size for endpoint %v", ep.Hosts)
		}
		if ep.MaxConns > 0 && ep.MinConns > ep.MaxConns {
			return fmt.Errorf("database: min_conns %d exceeds max_conns %d for endpoint %v",
				ep.MinConns, ep.MaxConns, ep.Hosts)
		}
		if _, err := ep.GetMaxConnLifetime(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if _, err := ep.GetMaxConnIdleTime(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if _, err := c.Database.GetWriteTimeout(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	for name, get := range map[string]func() (time.Duration, error){
		"rate_limit_window":     c.Arbitration.GetRateLimitWindow,
		"acquire_timeout":       c.Arbitration.GetAcquireTimeout,
		"health_check_interval": c.Arbitration.GetHealthCheckInterval,
		"probe_timeout":         c.Arbitration.GetProbeTimeout,
		"recovery_timeout":      c.Arbitration.GetRecoveryTimeout,
		"slow_query_threshold":  c.Arbitration.GetSlowQueryThreshold,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("arbitration: %s: %w", name, err)
		}
	}

	if c.API.Start && c.API.APIKey == "" {
		return fmt.Errorf("api: api_key is required when the diagnostics API is enabled")
	}

	return nil
}

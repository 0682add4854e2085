// Package config provides the service configuration, the wire format of the defense
// catalog and the file-backed catalog provider.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/logging"
)

// Config holds the global configuration of the defense service.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      logging.Config     `yaml:"logging"`
	Engine       EngineConfig       `yaml:"engine"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Redis        RedisConfig        `yaml:"redis"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// EngineConfig bounds the evaluation engine.
type EngineConfig struct {
	MaxParallel         int `yaml:"max_parallel"`
	MaxNodeVisits       int `yaml:"max_node_visits"`
	MaxDepth            int `yaml:"max_depth"`
	CapabilityTimeoutMS int `yaml:"capability_timeout_ms"`
	ObservationWorkers  int `yaml:"observation_workers"`
	ObservationQueue    int `yaml:"observation_queue"`
}

// CatalogConfig locates the defense catalog.
type CatalogConfig struct {
	File string `yaml:"file"`
	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch"`
	// IncludeBuiltins installs the shipped profiles and signatures under the file's.
	IncludeBuiltins bool `yaml:"include_builtins"`
}

// RedisConfig configures the shared Redis backend of rate_limiter and ip_reputation.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// CapabilitiesConfig configures the default capability backends.
type CapabilitiesConfig struct {
	// GeoIP maps CIDRs or addresses to ISO country codes.
	GeoIP map[string]string `yaml:"geoip"`
	// Reputation lists addresses or CIDRs for the in-memory reputation store.
	Reputation     []ReputationEntry               `yaml:"reputation"`
	RateLimiter    governance.RateLimiterConfig    `yaml:"rate_limiter"`
	CircuitBreaker governance.CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Rego overrides the listed defense types with an operator policy bundle.
	Rego *RegoBundle `yaml:"rego,omitempty"`
}

// ReputationEntry is one statically listed network.
type ReputationEntry struct {
	CIDR   string  `yaml:"cidr"`
	Score  float64 `yaml:"score"`
	Reason string  `yaml:"reason"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":19190",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-defense"},
		Logging:   logging.Config{Level: "info", Format: "json"},
		Engine: EngineConfig{
			MaxParallel:         4,
			MaxNodeVisits:       256,
			MaxDepth:            64,
			CapabilityTimeoutMS: 20,
			ObservationWorkers:  2,
			ObservationQueue:    1024,
		},
		Catalog:      CatalogConfig{Watch: true, IncludeBuiltins: true},
		Redis:        RedisConfig{Prefix: "defense:", DialTimeout: 2 * time.Second, ReadTimeout: 50 * time.Millisecond},
		Capabilities: CapabilitiesConfig{CircuitBreaker: governance.DefaultCircuitBreakerConfig()},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DEFENSE_ADMIN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("DEFENSE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("DEFENSE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("DEFENSE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("DEFENSE_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("DEFENSE_LOG_FILE"); val != "" {
		cfg.Logging.File = val
	}
	if val := os.Getenv("DEFENSE_CATALOG_FILE"); val != "" {
		cfg.Catalog.File = val
	}
	if val := os.Getenv("DEFENSE_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("DEFENSE_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("DEFENSE_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engine.MaxParallel = n
		}
	}
	if val := os.Getenv("DEFENSE_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("DEFENSE_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis configuration: %w", err)
	}
	if err := c.Capabilities.Validate(); err != nil {
		return fmt.Errorf("capabilities configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":19190"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate rejects negative engine limits.
func (c *EngineConfig) Validate() error {
	limits := []struct {
		field string
		value int
	}{
		{"max_parallel", c.MaxParallel},
		{"max_node_visits", c.MaxNodeVisits},
		{"max_depth", c.MaxDepth},
		{"capability_timeout_ms", c.CapabilityTimeoutMS},
		{"observation_workers", c.ObservationWorkers},
		{"observation_queue", c.ObservationQueue},
	}
	for _, l := range limits {
		if l.value < 0 {
			return NewConfigValidationError(l.field, l.value, "must not be negative")
		}
	}
	return nil
}

// Validate checks the Redis settings when Redis is enabled.
func (c *RedisConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if !strings.Contains(c.Addr, ":") {
		return NewConfigValidationError("addr", c.Addr, "expected host:port")
	}
	if c.DB < 0 {
		return NewConfigValidationError("db", c.DB, "must not be negative")
	}
	return nil
}

// Validate checks the capability backends.
func (c *CapabilitiesConfig) Validate() error {
	for i, entry := range c.Reputation {
		if strings.TrimSpace(entry.CIDR) == "" {
			return NewConfigMissingError(fmt.Sprintf("reputation[%d].cidr", i))
		}
	}
	if c.CircuitBreaker.MaxFailures < 0 || c.CircuitBreaker.HalfOpenProbes < 0 {
		return NewConfigValidationError("circuit_breaker", c.CircuitBreaker, "thresholds must not be negative")
	}
	if c.Rego != nil {
		if err := c.Rego.Validate(); err != nil {
			return fmt.Errorf("rego: %w", err)
		}
	}
	return nil
}

// Package config loads Network Service configuration from the process
// environment. A .env file (loaded by the server entrypoint via godotenv)
// feeds the same variables in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DevNetworkSecret is the fixed development secret. It is refused when
// ENV=production.
const DevNetworkSecret = "dev-network-secret-do-not-use-in-prod"

// Config holds every tunable of the Network Service process.
type Config struct {
	Env  string // "development", "staging", "production"
	Host string
	Port int

	// NetworkSecret keys the event integrity hash. Required in production.
	NetworkSecret string

	CORSOrigins []string

	// IdentityServiceURL is the base URL of the Identity collaborator used
	// for bearer token introspection.
	IdentityServiceURL string

	HeartbeatInterval time.Duration // cleanup tick and relay heartbeat period
	NodeTimeout       time.Duration // staleness threshold for registered nodes

	MaxEventHistory int
	MaxTraceHistory int

	// DeliveryTimeout bounds HTTP delivery to nodes without a live session.
	DeliveryTimeout time.Duration

	// RedisAddr, when set, enables the publish-only SDN mirror.
	RedisAddr string

	// PatternsFile optionally overrides the built-in auto-contract patterns.
	PatternsFile string
}

// Defaults per the public configuration contract.
const (
	defaultPort              = 4500
	defaultHeartbeatInterval = 30 * time.Second
	defaultNodeTimeout       = 90 * time.Second
	defaultMaxEventHistory   = 10000
	defaultMaxTraceHistory   = 5000
	defaultDeliveryTimeout   = 5 * time.Second
)

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Env:                getEnv("ENV", "development"),
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", defaultPort),
		NetworkSecret:      os.Getenv("NETWORK_SECRET"),
		IdentityServiceURL: getEnv("IDENTITY_SERVICE_URL", "http://localhost:4000"),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		NodeTimeout:        getEnvDuration("NODE_TIMEOUT", defaultNodeTimeout),
		MaxEventHistory:    getEnvInt("MAX_EVENT_HISTORY", defaultMaxEventHistory),
		MaxTraceHistory:    getEnvInt("MAX_TRACE_HISTORY", defaultMaxTraceHistory),
		DeliveryTimeout:    getEnvDuration("DELIVERY_TIMEOUT", defaultDeliveryTimeout),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		PatternsFile:       os.Getenv("PATTERNS_FILE"),
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.NetworkSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("NETWORK_SECRET is required when ENV=production")
		}
		cfg.NetworkSecret = DevNetworkSecret
	}

	if cfg.MaxEventHistory <= 0 || cfg.MaxTraceHistory <= 0 {
		return nil, fmt.Errorf("history capacities must be positive (events=%d traces=%d)",
			cfg.MaxEventHistory, cfg.MaxTraceHistory)
	}

	return cfg, nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30s") and bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

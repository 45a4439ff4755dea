// Package config loads and validates the connector's YAML configuration,
// with environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ilpmesh/connector/internal/fraud"
	"github.com/ilpmesh/connector/internal/ilp"
)

type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Peers      []PeerConfig     `yaml:"peers"`
	Routes     []RouteConfig    `yaml:"routes"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Fraud      FraudConfig      `yaml:"fraud"`
	Spending   SpendingConfig   `yaml:"spending"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Explorer   ExplorerConfig   `yaml:"explorer"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Settlement SettlementConfig `yaml:"settlement"`
	Audit      AuditConfig      `yaml:"audit"`
}

type NodeConfig struct {
	ID         string `yaml:"id"`
	ILPAddress string `yaml:"ilp_address"`
	BTPListen  string `yaml:"btp_listen"`
	Version    string `yaml:"version"`
}

type PeerConfig struct {
	ID           string `yaml:"id"`
	URL          string `yaml:"url"` // empty: peer dials us
	SharedSecret string `yaml:"shared_secret"`
	ILPPrefix    string `yaml:"ilp_prefix"`
	Trusted      bool   `yaml:"trusted"`
}

type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	NextHop  string `yaml:"next_hop"`
	Priority int    `yaml:"priority"`
}

type RateLimitConfig struct {
	MaxRequestsPerSecond float64                    `yaml:"max_requests_per_second"`
	MaxRequestsPerMinute float64                    `yaml:"max_requests_per_minute"`
	BurstSize            float64                    `yaml:"burst_size"`
	BlockDurationSeconds int                        `yaml:"block_duration_seconds"`
	ViolationThreshold   int                        `yaml:"violation_threshold"`
	ViolationWindowSecs  int                        `yaml:"violation_window_seconds"`
	PeerLimits           map[string]PeerLimitConfig `yaml:"peer_limits"`
	Adaptive             bool                       `yaml:"adaptive"`
}

// PeerLimitConfig overrides the default rates for one peer; zero fields
// keep the defaults.
type PeerLimitConfig struct {
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	MaxRequestsPerMinute float64 `yaml:"max_requests_per_minute"`
	BurstSize            float64 `yaml:"burst_size"`
}

type FraudConfig struct {
	Enabled            bool    `yaml:"enabled"`
	AutoPauseThreshold string  `yaml:"auto_pause_threshold"`
	RapidFundingLimit  int     `yaml:"rapid_funding_limit"`
	UnusualStdDev      float64 `yaml:"unusual_std_dev"`
}

type SpendingConfig struct {
	MaxSingle  uint64 `yaml:"max_single"`
	MaxDaily   uint64 `yaml:"max_daily"`
	MaxMonthly uint64 `yaml:"max_monthly"`
}

type TelemetryConfig struct {
	BufferSize      int    `yaml:"buffer_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	DBPath          string `yaml:"db_path"`
	MaxDBBytes      int64  `yaml:"max_db_bytes"`
	RedisURL        string `yaml:"redis_url"`
}

type ExplorerConfig struct {
	Listen          string   `yaml:"listen"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_seconds"`
}

type DiscoveryConfig struct {
	Endpoints            []string `yaml:"endpoints"`
	BroadcastIntervalSec int      `yaml:"broadcast_interval_seconds"`
}

type SettlementConfig struct {
	Threshold int64 `yaml:"threshold"`
}

type AuditConfig struct {
	Path        string `yaml:"path"`         // JSONL file path
	PostgresDSN string `yaml:"postgres_dsn"` // takes precedence when set
}

// LoadConfig reads the YAML file, applies environment overrides, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays deployment-specific values. Secrets in particular
// should come from the environment, not the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONNECTOR_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("CONNECTOR_ILP_ADDRESS"); v != "" {
		c.Node.ILPAddress = v
	}
	if v := os.Getenv("CONNECTOR_BTP_LISTEN"); v != "" {
		c.Node.BTPListen = v
	}
	if v := os.Getenv("CONNECTOR_EXPLORER_LISTEN"); v != "" {
		c.Explorer.Listen = v
	}
	if v := os.Getenv("CONNECTOR_DB_PATH"); v != "" {
		c.Telemetry.DBPath = v
	}
	if v := os.Getenv("CONNECTOR_REDIS_URL"); v != "" {
		c.Telemetry.RedisURL = v
	}
	if v := os.Getenv("CONNECTOR_AUDIT_POSTGRES_DSN"); v != "" {
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv("CONNECTOR_SETTLEMENT_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Settlement.Threshold = n
		}
	}
	for i := range c.Peers {
		key := "CONNECTOR_PEER_SECRET_" + c.Peers[i].ID
		if v := os.Getenv(key); v != "" {
			c.Peers[i].SharedSecret = v
		}
	}
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if _, err := ilp.ParseAddress(c.Node.ILPAddress); err != nil {
		return fmt.Errorf("config: node.ilp_address: %w", err)
	}
	if c.Node.BTPListen == "" {
		return fmt.Errorf("config: node.btp_listen is required")
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("config: peer with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		if p.SharedSecret == "" {
			return fmt.Errorf("config: peer %q has no shared secret", p.ID)
		}
		if p.ILPPrefix != "" {
			if _, err := ilp.ParseAddress(p.ILPPrefix); err != nil {
				return fmt.Errorf("config: peer %q ilp_prefix: %w", p.ID, err)
			}
		}
	}

	for _, r := range c.Routes {
		if _, err := ilp.ParseAddress(r.Prefix); err != nil {
			return fmt.Errorf("config: route prefix %q: %w", r.Prefix, err)
		}
		if !seen[r.NextHop] {
			return fmt.Errorf("config: route %q points at unknown peer %q", r.Prefix, r.NextHop)
		}
	}

	if c.Telemetry.BufferSize < 0 || c.Telemetry.FlushIntervalMs < 0 {
		return fmt.Errorf("config: telemetry sizes must be non-negative")
	}

	if _, err := c.Fraud.PauseThreshold(); err != nil {
		return err
	}
	return nil
}

// PauseThreshold parses auto_pause_threshold into a fraud severity. An
// empty value returns zero, which the detector replaces with its default.
func (c *FraudConfig) PauseThreshold() (fraud.Severity, error) {
	if c.AutoPauseThreshold == "" {
		return 0, nil
	}
	sev, ok := fraud.ParseSeverity(c.AutoPauseThreshold)
	if !ok {
		return 0, fmt.Errorf("config: fraud.auto_pause_threshold %q is not one of low, medium, high, critical", c.AutoPauseThreshold)
	}
	return sev, nil
}

// BroadcastInterval returns the discovery interval as a duration.
func (c *DiscoveryConfig) BroadcastInterval() time.Duration {
	if c.BroadcastIntervalSec <= 0 {
		return 0
	}
	return time.Duration(c.BroadcastIntervalSec) * time.Second
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = ":9443"
	DefaultMetricsAddr     = ":9100"
	DefaultDataDir         = "/var/lib/lattice"
	DefaultPingInterval    = 30 * time.Second
	DefaultPongBudget      = 3
	DefaultConnExpiry      = 2 * time.Minute
	DefaultDebounceWindow  = 10 * time.Second
	DefaultSeqTTL          = 90 * time.Second
	DefaultSendTimeout     = 60 * time.Second
	DefaultRetryBudget     = 3
	DefaultTunnelRange     = 15000
	DefaultOrphanGrace     = 10 * time.Minute
	DefaultChurnRate       = 0.2 // Public address changes per second before blocking
	DefaultChurnBurst      = 5
)

// Config holds the configuration of one management host.
type Config struct {
	HostID      string `yaml:"host_id"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`

	// RedisAddr has no default on purpose: left empty, the host runs on
	// the in-process coordination store (single-host deployments).
	RedisAddr string `yaml:"redis_addr"`

	// Device liveness
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongBudget     int           `yaml:"pong_budget"`
	ConnExpiry     time.Duration `yaml:"conn_expiry"`
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// Request/reply correlation
	SeqTTL      time.Duration `yaml:"seq_ttl"`
	SendTimeout time.Duration `yaml:"send_timeout"`

	// Jobs
	RetryBudget int `yaml:"retry_budget"`

	// Tunnels
	TunnelRange int           `yaml:"tunnel_range"`
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// Public-address churn rate limiting
	ChurnRate  float64 `yaml:"churn_rate"`
	ChurnBurst int     `yaml:"churn_burst"`

	// AuthSecret, when set, is required from devices during the
	// websocket handshake in addition to an approved device record.
	AuthSecret string `yaml:"auth_secret"`

	// STUN servers used to discover this host's public address
	STUNServers []string `yaml:"stun_servers"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Load reads and parses a YAML config file, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongBudget == 0 {
		c.PongBudget = DefaultPongBudget
	}
	if c.ConnExpiry == 0 {
		c.ConnExpiry = DefaultConnExpiry
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.SeqTTL == 0 {
		c.SeqTTL = DefaultSeqTTL
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.TunnelRange == 0 {
		c.TunnelRange = DefaultTunnelRange
	}
	if c.OrphanGrace == 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
	if c.ChurnRate == 0 {
		c.ChurnRate = DefaultChurnRate
	}
	if c.ChurnBurst == 0 {
		c.ChurnBurst = DefaultChurnBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks fields that have no sensible default.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id must be set")
	}
	if c.TunnelRange < 1 {
		return fmt.Errorf("tunnel_range must be positive, got %d", c.TunnelRange)
	}
	if c.ConnExpiry <= c.PingInterval {
		return fmt.Errorf("conn_expiry (%v) must exceed ping_interval (%v)", c.ConnExpiry, c.PingInterval)
	}
	return nil
}

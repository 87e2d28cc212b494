package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
	Mirror MirrorConfig `yaml:"mirror"`
}

// RelayConfig broker listener and connection-health configuration
type RelayConfig struct {
	// Listening configuration
	BindAddr        string `yaml:"bind_addr"`         // TCP relay listening address (format: ip:port or :port, e.g. ":3000")
	WSListenAddress string `yaml:"ws_listen_address"` // Optional WebSocket listener address (empty disables it)
	WSPath          string `yaml:"ws_path"`           // WebSocket upgrade path
	ListenAddress   string `yaml:"listen_address"`    // Metrics listener address
	TelemetryPath   string `yaml:"telemetry_path"`    // Metrics path

	// Allowlist of receiver account ids, a JSON array of strings
	AllowlistFile string `yaml:"allowlist_file"`

	// Connection health (seconds)
	HeartbeatInterval int `yaml:"heartbeat_interval"` // Idle sweep period
	HeartbeatTimeout  int `yaml:"heartbeat_timeout"`  // Silence allowed before a connection is closed
	WriteTimeout      int `yaml:"write_timeout"`      // Per-write deadline for acks and relayed records
	ShutdownGrace     int `yaml:"shutdown_grace"`     // Time allowed for connections to close on shutdown

	MaxRecordSize   int  `yaml:"max_record_size"`  // Max bytes of one unterminated record (negative = unlimited)
	AllowReidentify bool `yaml:"allow_reidentify"` // Let an identified connection identify again
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MirrorConfig optional NATS mirror of relayed trade events
type MirrorConfig struct {
	NATSURL       string `yaml:"nats_url"`       // Empty disables the mirror
	SubjectPrefix string `yaml:"subject_prefix"` // Subject is <prefix>.<sender account id>
	Name          string `yaml:"name"`           // NATS connection name
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()
	config.NormalizeAddrs()

	return &config, nil
}

// Default returns a config with defaults and environment overrides applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	c.NormalizeAddrs()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Relay.BindAddr == "" {
		c.Relay.BindAddr = ":3000"
	}
	if c.Relay.WSPath == "" {
		c.Relay.WSPath = "/ws"
	}
	if c.Relay.ListenAddress == "" {
		c.Relay.ListenAddress = ":9090"
	}
	if c.Relay.TelemetryPath == "" {
		c.Relay.TelemetryPath = "/metrics"
	}
	if c.Relay.AllowlistFile == "" {
		c.Relay.AllowlistFile = "authorized_accounts.json"
	}
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = 30
	}
	if c.Relay.HeartbeatTimeout == 0 {
		c.Relay.HeartbeatTimeout = 90 // 3x the sweep period
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = 10
	}
	if c.Relay.ShutdownGrace == 0 {
		c.Relay.ShutdownGrace = 5
	}
	if c.Relay.MaxRecordSize == 0 {
		c.Relay.MaxRecordSize = 1 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Mirror.SubjectPrefix == "" {
		c.Mirror.SubjectPrefix = "relay.trades"
	}
	if c.Mirror.Name == "" {
		c.Mirror.Name = "trade-relay"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Relay.HeartbeatInterval < 0 || c.Relay.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if c.Relay.HeartbeatTimeout <= c.Relay.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%ds) must exceed heartbeat_interval (%ds)",
			c.Relay.HeartbeatTimeout, c.Relay.HeartbeatInterval)
	}
	if c.Relay.WSListenAddress != "" && !strings.HasPrefix(c.Relay.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/': %q", c.Relay.WSPath)
	}
	return nil
}

// NormalizeAddrs rewrites port-only listen addresses ("3000") to ":3000".
func (c *Config) NormalizeAddrs() {
	c.Relay.BindAddr = normalizeListenAddr(c.Relay.BindAddr)
	c.Relay.WSListenAddress = normalizeListenAddr(c.Relay.WSListenAddress)
	c.Relay.ListenAddress = normalizeListenAddr(c.Relay.ListenAddress)
}

func normalizeListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	if port, err := strconv.Atoi(addr); err == nil && port > 0 && port < 65536 {
		return net.JoinHostPort("", addr)
	}
	return addr
}

// GetHeartbeatInterval gets the idle sweep period
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Relay.HeartbeatInterval) * time.Second
}

// GetHeartbeatTimeout gets the idle threshold
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.Relay.HeartbeatTimeout) * time.Second
}

// GetWriteTimeout gets the per-write deadline
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Relay.WriteTimeout) * time.Second
}

// GetMaxRecordSize gets the record cap, 0 when unlimited
func (c *Config) GetMaxRecordSize() int {
	if c.Relay.MaxRecordSize < 0 {
		return 0
	}
	return c.Relay.MaxRecordSize
}

// GetShutdownGrace gets the shutdown grace period
func (c *Config) GetShutdownGrace() time.Duration {
	return time.Duration(c.Relay.ShutdownGrace) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("RELAY_BIND_ADDR"); val != "" {
		c.Relay.BindAddr = val
	}
	if val := os.Getenv("RELAY_WS_LISTEN_ADDRESS"); val != "" {
		c.Relay.WSListenAddress = val
	}
	if val := os.Getenv("RELAY_WS_PATH"); val != "" {
		c.Relay.WSPath = val
	}
	if val := os.Getenv("RELAY_LISTEN_ADDRESS"); val != "" {
		c.Relay.ListenAddress = val
	}
	if val := os.Getenv("RELAY_TELEMETRY_PATH"); val != "" {
		c.Relay.TelemetryPath = val
	}
	if val := os.Getenv("RELAY_ALLOWLIST_FILE"); val != "" {
		c.Relay.AllowlistFile = val
	}
	setInt(&c.Relay.HeartbeatInterval, "RELAY_HEARTBEAT_INTERVAL_SECONDS")
	setInt(&c.Relay.HeartbeatTimeout, "RELAY_HEARTBEAT_TIMEOUT_SECONDS")
	setInt(&c.Relay.WriteTimeout, "RELAY_WRITE_TIMEOUT_SECONDS")
	setInt(&c.Relay.ShutdownGrace, "RELAY_SHUTDOWN_GRACE_SECONDS")
	setInt(&c.Relay.MaxRecordSize, "RELAY_MAX_RECORD_SIZE")
	if val := os.Getenv("RELAY_ALLOW_REIDENTIFY"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Relay.AllowReidentify = b
		}
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Mirror config
	if val := os.Getenv("MIRROR_NATS_URL"); val != "" {
		c.Mirror.NATSURL = val
	}
	if val := os.Getenv("MIRROR_SUBJECT_PREFIX"); val != "" {
		c.Mirror.SubjectPrefix = val
	}
}

func setInt(dst *int, env string) {
	if val := os.Getenv(env); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

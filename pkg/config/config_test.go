package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()

	assert.Equal(t, ":3000", c.Relay.BindAddr)
	assert.Equal(t, ":9090", c.Relay.ListenAddress)
	assert.Equal(t, "/metrics", c.Relay.TelemetryPath)
	assert.Equal(t, "/ws", c.Relay.WSPath)
	assert.Empty(t, c.Relay.WSListenAddress)
	assert.Equal(t, 30*time.Second, c.GetHeartbeatInterval())
	assert.Equal(t, 90*time.Second, c.GetHeartbeatTimeout())
	assert.Equal(t, 5*time.Second, c.GetShutdownGrace())
	assert.Equal(t, 10*time.Second, c.GetWriteTimeout())
	assert.Equal(t, 1<<20, c.Relay.MaxRecordSize)
	assert.False(t, c.Relay.AllowReidentify)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "relay.trades", c.Mirror.SubjectPrefix)
	require.NoError(t, c.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
relay:
  bind_addr: "127.0.0.1:4000"
  heartbeat_interval: 10
  heartbeat_timeout: 25
  allow_reidentify: true
log:
  level: debug
mirror:
  nats_url: nats://localhost:4222
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", c.Relay.BindAddr)
	assert.Equal(t, 10*time.Second, c.GetHeartbeatInterval())
	assert.Equal(t, 25*time.Second, c.GetHeartbeatTimeout())
	assert.True(t, c.Relay.AllowReidentify)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "nats://localhost:4222", c.Mirror.NATSURL)
	// Unset values still receive defaults.
	assert.Equal(t, ":9090", c.Relay.ListenAddress)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [unterminated"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_BIND_ADDR", ":3100")
	t.Setenv("RELAY_HEARTBEAT_TIMEOUT_SECONDS", "120")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL_SECONDS", "not-a-number")
	t.Setenv("RELAY_ALLOW_REIDENTIFY", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	c := Default()
	assert.Equal(t, ":3100", c.Relay.BindAddr)
	assert.Equal(t, 120, c.Relay.HeartbeatTimeout)
	assert.Equal(t, 30, c.Relay.HeartbeatInterval)
	assert.True(t, c.Relay.AllowReidentify)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	c.Relay.HeartbeatTimeout = c.Relay.HeartbeatInterval
	assert.Error(t, c.Validate())

	c.Relay.HeartbeatTimeout = 90
	c.Relay.MaxRecordSize = -1
	require.NoError(t, c.Validate())
	assert.Equal(t, 0, c.GetMaxRecordSize())

	c.Relay.WSListenAddress = ":3001"
	c.Relay.WSPath = "ws"
	assert.Error(t, c.Validate())
}

func TestNormalizeAddrs(t *testing.T) {
	c := Default()
	c.Relay.BindAddr = "3000"
	c.Relay.WSListenAddress = ""
	c.Relay.ListenAddress = "127.0.0.1:9100"
	c.NormalizeAddrs()
	assert.Equal(t, ":3000", c.Relay.BindAddr)
	assert.Empty(t, c.Relay.WSListenAddress)
	assert.Equal(t, "127.0.0.1:9100", c.Relay.ListenAddress)
}

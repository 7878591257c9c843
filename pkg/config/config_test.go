package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "host_id: mgmt-1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mgmt-1", cfg.HostID)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultTunnelRange, cfg.TunnelRange)
	assert.Equal(t, DefaultPongBudget, cfg.PongBudget)
	assert.Equal(t, DefaultSendTimeout, cfg.SendTimeout)
}

func TestLoadLeavesRedisAddrUnset(t *testing.T) {
	path := writeConfig(t, "host_id: mgmt-1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Empty means the in-process coordination store; defaulting this
	// would make single-host operation impossible without Redis.
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadRedisAddr(t *testing.T) {
	path := writeConfig(t, "host_id: mgmt-1\nredis_addr: \"10.0.0.5:6379\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
host_id: mgmt-2
listen_addr: ":8443"
tunnel_range: 500
ping_interval: 10s
conn_expiry: 45s
stun_servers:
  - stun.l.google.com:19302
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, 500, cfg.TunnelRange)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, []string{"stun.l.google.com:19302"}, cfg.STUNServers)
}

func TestValidateMissingHostID(t *testing.T) {
	path := writeConfig(t, "listen_addr: \":8443\"\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "host_id")
}

func TestValidateExpiryBelowPing(t *testing.T) {
	path := writeConfig(t, `
host_id: mgmt-3
ping_interval: 60s
conn_expiry: 30s
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "conn_expiry")
}

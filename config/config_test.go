package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apmls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.ErrorIs(t, cfg.Validate(), ErrNoActor)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
actor:
  id: https://example.com/users/alice
  token: secret
store:
  driver: sqlite
  path: /tmp/alice.sqlite
network:
  timeout: 3s
  retry_attempts: 5
  poll_interval: 30s
client:
  preview_length: 40
log_level: debug
metrics_addr: 127.0.0.1:9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://example.com/users/alice", cfg.Actor.ID)
	assert.Equal(t, "secret", cfg.Actor.Token)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 5, cfg.Network.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Network.PollInterval)
	assert.Equal(t, 40, cfg.Client.PreviewLength)
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)

	d := cfg.Delivery()
	assert.Equal(t, 3*time.Second, d.NetworkTimeout)
	assert.Equal(t, 5, d.RetryAttempts)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "actor:\n  id: https://example.com/users/alice\n")
	t.Setenv("APMLS_ACTOR_ID", "https://example.com/users/bob")
	t.Setenv("APMLS_NETWORK_RETRY_ATTEMPTS", "7")
	t.Setenv("APMLS_STORE_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/users/bob", cfg.Actor.ID)
	assert.Equal(t, 7, cfg.Network.RetryAttempts)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
}

func TestOutOfBoundsValuesFallBack(t *testing.T) {
	path := writeFile(t, `
network:
  timeout: 1ms
  retry_attempts: 1000
  retry_backoff: -1s
  poll_interval: 10ms
client:
  preview_length: 0
store:
  driver: floppy
log_level: shouty
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Network, cfg.Network)
	assert.Equal(t, d.Client.PreviewLength, cfg.Client.PreviewLength)
	assert.Equal(t, d.Store.Driver, cfg.Store.Driver)
	assert.Equal(t, d.LogLevel, cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Actor.ID = "https://example.com/users/alice"
	require.NoError(t, cfg.Validate())

	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg.Store.Driver = DriverMemory
	assert.NoError(t, cfg.Validate())
}

func TestRenderMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Actor.ID = "https://example.com/users/alice"
	cfg.Actor.Token = "token-value"
	cfg.Store.Passphrase = "hunter2"

	out, err := cfg.Render()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "token-value")
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "timeout: 10s")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Actor.ID, back.Actor.ID)
	assert.Equal(t, redacted, back.Actor.Token)
	assert.Equal(t, "token-value", cfg.Actor.Token)
}

func TestWriteThenLoad(t *testing.T) {
	cfg := Default()
	cfg.Actor.ID = "https://example.com/users/alice"
	cfg.Store.Passphrase = "hunter2"
	cfg.Network.PollInterval = time.Minute
	path := filepath.Join(t.TempDir(), "nested", "apmls.yaml")

	require.NoError(t, cfg.Write(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

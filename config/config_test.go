package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_name: example.org
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.ServerName)
	assert.Equal(t, 100, cfg.MaxFetchPrevEvents)
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.BindAddress)
	assert.Equal(t, "@every 1h", cfg.RatelimiterCleanupSchedule)
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
server_name: example.org
max_fetch_prev_events: 10
database:
  backend: postgres
  connection_string: "postgres://localhost/meshline"
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxFetchPrevEvents)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_RequiresServerName(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: sqlite
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
server_name: example.org
database:
  backend: mongodb
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestIsLocalServerName(t *testing.T) {
	m := &Meshline{ServerName: "example.org"}
	assert.True(t, m.IsLocalServerName("example.org"))
	assert.False(t, m.IsLocalServerName("other.org"))
}

func TestFederationEnabled(t *testing.T) {
	enabled := &Meshline{FederationEnabledPerRoomDefault: true}
	assert.True(t, enabled.FederationEnabled("!room:example.org"))

	disabled := &Meshline{FederationEnabledPerRoomDefault: false}
	assert.False(t, disabled.FederationEnabled("!room:example.org"))
}

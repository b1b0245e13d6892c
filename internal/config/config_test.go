package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrchestratorConfigAppliesDefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := LoadOrchestratorConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.Worker.MaxLifetimeSecs)
	assert.Equal(t, 300, cfg.Tasks.DefaultTimeoutSecs)
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, int64(3600*1e9), int64(cfg.Worker.MaxLifetime))
}

func TestLoadOrchestratorConfigReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 9100
socket_dir: /tmp/neutrino-sockets
worker_pools:
  - name: cpu
    count: 2
    app_module: app:handler
    num_cpus: 4
    memory_gb: 8
`), 0o644))

	cfg, err := LoadOrchestratorConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "/tmp/neutrino-sockets", cfg.SocketDir)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "cpu", cfg.Pools[0].Name)
	assert.Equal(t, 2, cfg.Pools[0].Count)
	assert.Equal(t, 4.0, cfg.Pools[0].NumCPUs)
}

func TestLoadOrchestratorConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	os.Setenv("NEUTRINO_HTTP_PORT", "9999")
	defer os.Unsetenv("NEUTRINO_HTTP_PORT")

	cfg, err := LoadOrchestratorConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)
}

func TestLoadGatewayConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := LoadGatewayConfig("")
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.DiscoveryMode)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.StaticBackends)
	assert.Equal(t, "/data/neutrino.db", cfg.DatabasePath)
	assert.Equal(t, int64(2e9), int64(cfg.UpdateInterval))
}

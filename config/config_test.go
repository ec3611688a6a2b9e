package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: 149.154.167.50\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "149.154.167.50", cfg.Server.Host)
	assert.Equal(t, 443, cfg.Server.Port)
	assert.Equal(t, 3, cfg.WorkerPool.Workers)
}

func TestLoadRejectsMissingHost(t *testing.T) {
	path := writeTempConfig(t, "worker_pool:\n  workers: 5\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: example.invalid\nworker_pool:\n  workers: 0\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverridesHost(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: original.invalid\n")
	t.Setenv("MTPROTO2JSON_SERVER_HOST", "override.invalid")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override.invalid", cfg.Server.Host)
}

func TestHandshakeConfigLoadRSAPublicKeyPEMPrefersInline(t *testing.T) {
	h := HandshakeConfig{RSAPublicKeyPEM: "inline-pem-data"}
	got, err := h.LoadRSAPublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "inline-pem-data", string(got))
}

func TestHandshakeConfigLoadRSAPublicKeyPEMRequiresSomething(t *testing.T) {
	h := HandshakeConfig{}
	_, err := h.LoadRSAPublicKeyPEM()
	assert.Error(t, err)
}

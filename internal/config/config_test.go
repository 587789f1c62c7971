package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3000, cfg.ContainerPortNode)
	assert.Equal(t, 5000, cfg.ContainerPortPython)
	assert.Equal(t, 45*time.Second, cfg.ReasonerTimeout)
	assert.Equal(t, "anthropic", cfg.ReasonerProvider)
	assert.True(t, cfg.ContainerCleanup)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http_addr": ":9090",
		"concurrency": 8,
		"reasoner_provider": "openai"
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "openai", cfg.ReasonerProvider)

	// Unspecified fields keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.TestTimeout)
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_addr": ":9090"}`), 0o644))

	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("WORKFLOW_CONCURRENCY", "2")
	t.Setenv("STRICT_TESTS", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr, "environment wins over the file")
	assert.Equal(t, 2, cfg.Concurrency)
	assert.True(t, cfg.StrictTests)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxRetries = 11
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxRetries = 0
	assert.NoError(t, cfg.Validate(), "a zero retry budget is legal")

	cfg = DefaultConfig()
	cfg.ContainerPortNode = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.HTTPAddr = ":6060"
	cfg.StrictTests = true
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", loaded.HTTPAddr)
	assert.True(t, loaded.StrictTests)

	// Atomic write leaves no temp file behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestContainerPort(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3000, cfg.ContainerPort("node"))
	assert.Equal(t, 5000, cfg.ContainerPort("python"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// Spec-mandated cause overrides must be present out of the box.
	rl, ok := cfg.Retry.CauseSpecific["RATE_LIMIT"]
	require.True(t, ok)
	require.NotNil(t, rl.MaxRetries)
	assert.Equal(t, 5, *rl.MaxRetries)
	assert.Equal(t, BackoffExponential, rl.Backoff.Strategy)
	assert.Equal(t, 5000, rl.Backoff.InitialDelayMs)
	assert.Equal(t, 60000, rl.Backoff.MaxDelayMs)
	assert.InDelta(t, 0.2, rl.Backoff.Jitter, 1e-9)

	to, ok := cfg.Retry.CauseSpecific["TIMEOUT"]
	require.True(t, ok)
	assert.Equal(t, 2, *to.MaxRetries)
	assert.Equal(t, BackoffFixed, to.Backoff.Strategy)
	assert.NotEmpty(t, to.ModificationHint)
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Queue.Namespace)
}

func TestLoadFromOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
version: 1
queue:
  namespace: acme
  stale_max_age: 10m
executor:
  command: my-executor
  stop_timeout: 5s
timeouts:
  READ_INFO: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Queue.Namespace)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StaleMaxAge)
	assert.Equal(t, "my-executor", cfg.Executor.Command)
	assert.Equal(t, 5*time.Second, cfg.Executor.StopTimeout)
	assert.Equal(t, 2*time.Minute, cfg.TimeoutFor("READ_INFO"))
	// Defaults survive partial overrides.
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, dir, cfg.StateDir)
}

func TestLoadFromExplicitStateDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: /var/lib/pmrunner\n"), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pmrunner", cfg.StateDir)
}

func TestTimeoutForFallsBack(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Minute, cfg.TimeoutFor("SOMETHING_ELSE"))
	assert.Equal(t, 5*time.Minute, cfg.TimeoutFor("READ_INFO"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Retry.Backoff.Jitter = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Namespace = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retry.Backoff.MaxDelayMs = 10
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, StateDirName, ConfigFileName)

	cfg := Default()
	cfg.Queue.Namespace = "team-a"
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "team-a", loaded.Queue.Namespace)
}

package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirutka/knot-resolver/service/engine"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	rundir := t.TempDir()
	cfg := &Config{RunDir: rundir, Forks: 1, Interactive: true}
	require.NoError(t, cfg.Init())

	assert.Equal(t, filepath.Join(rundir, DefaultConfigFile), cfg.ConfigPath)
	assert.False(t, cfg.ConfigGiven())
	assert.True(t, cfg.Interactive)
	assert.NotEmpty(t, cfg.ModuleDir)
	assert.NotEmpty(t, cfg.EtcDir)
	assert.Equal(t, filepath.Join(rundir, "cache", "2"), cfg.StorageDir(2))
}

func TestConfigForks(t *testing.T) {
	t.Parallel()

	cfg := &Config{RunDir: t.TempDir()}
	assert.Error(t, cfg.Init())

	cfg = &Config{RunDir: t.TempDir(), Forks: 2, Interactive: true}
	require.NoError(t, cfg.Init())
	assert.False(t, cfg.Interactive)
}

func TestConfigRunDir(t *testing.T) {
	t.Parallel()

	cfg := &Config{RunDir: filepath.Join(t.TempDir(), "missing"), Forks: 1}
	assert.Error(t, cfg.Init())
}

func TestConfigPath(t *testing.T) {
	t.Parallel()

	rundir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rundir, "kresd.conf"), []byte("1"), 0o600))

	// Relative to the run directory.
	cfg := &Config{RunDir: rundir, ConfigPath: "kresd.conf", Forks: 1}
	require.NoError(t, cfg.Init())
	assert.Equal(t, filepath.Join(rundir, "kresd.conf"), cfg.ConfigPath)
	assert.True(t, cfg.ConfigGiven())

	// Explicit configuration must exist.
	cfg = &Config{RunDir: rundir, ConfigPath: "missing.conf", Forks: 1}
	assert.Error(t, cfg.Init())

	cfg = &Config{RunDir: rundir, ConfigPath: engine.NoConfig, Forks: 1}
	require.NoError(t, cfg.Init())
	assert.Equal(t, engine.NoConfig, cfg.ConfigPath)
}

func TestConfigKeyFile(t *testing.T) {
	t.Parallel()

	cfg := &Config{RunDir: t.TempDir(), KeyFile: "root.keys", Forks: 1}
	require.NoError(t, cfg.Init())

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "root.keys"), cfg.KeyFile)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	cfg := &Config{RunDir: t.TempDir(), Addrs: []string{"127.0.0.1#53", "localhost"}, Forks: 1}
	assert.Error(t, cfg.Init())

	cfg = &Config{RunDir: t.TempDir(), LogLevel: "loud", Forks: 1}
	assert.Error(t, cfg.Init())

	cfg = &Config{RunDir: t.TempDir(), LogLevel: "debug", Forks: 1}
	assert.NoError(t, cfg.Init())
}

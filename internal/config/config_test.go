package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8765", cfg.Web.Addr)
	require.Equal(t, 30, cfg.Search.SweepIntervalSec)
	require.NotEmpty(t, cfg.Search.DBPath)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[web]
addr = "0.0.0.0:9999"
auth_token = "tok"

[search]
sweep_interval_sec = 5

[sources]
codex_dir = "-"
claude_dir = "/custom/claude"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Web.Addr)
	require.Equal(t, "tok", cfg.Web.AuthToken)
	require.Equal(t, 5, cfg.Search.SweepIntervalSec)

	roots := cfg.Roots()
	require.Empty(t, roots.Codex, `"-" disables a source`)
	require.Equal(t, "/custom/claude", roots.Claude)
	require.NotEmpty(t, roots.Gemini, "unset sources keep their default root")
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPathEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)

	path, err := Path()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileName), path)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Web.Addr = "127.0.0.1:7777"

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", loaded.Web.Addr)
}

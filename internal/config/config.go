// Package config loads the TOML configuration for the session search
// service. Everything has a working default; a missing config file is not
// an error.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kuatroka/code-session-search/internal/source"
)

// FileName is the config file name under the config directory.
const FileName = "config.toml"

// Config is the full service configuration.
type Config struct {
	Sources SourcesConfig `toml:"sources"`
	Search  SearchConfig  `toml:"search"`
	Web     WebConfig     `toml:"web"`
	Logs    LogsConfig    `toml:"logs"`
}

// SourcesConfig points at the per-tool session directories. Empty values
// fall back to the conventional locations; "-" disables a source.
type SourcesConfig struct {
	ClaudeDir   string `toml:"claude_dir"`
	CodexDir    string `toml:"codex_dir"`
	GeminiDir   string `toml:"gemini_dir"`
	OpencodeDir string `toml:"opencode_dir"`
}

// SearchConfig controls the index and the ingestion pipeline.
type SearchConfig struct {
	DBPath           string `toml:"db_path"`
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
	IndexRatePerSec  int    `toml:"index_rate_per_sec"`
}

// WebConfig controls the HTTP server.
type WebConfig struct {
	Addr      string `toml:"addr"`
	AuthToken string `toml:"auth_token"`
}

// LogsConfig controls file logging.
type LogsConfig struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Search: SearchConfig{
			DBPath:           filepath.Join(dataDir, "index.db"),
			SweepIntervalSec: 30,
			IndexRatePerSec:  20,
		},
		Web: WebConfig{
			Addr: "127.0.0.1:8765",
		},
		Logs: LogsConfig{
			Dir:        dataDir,
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
		},
	}
}

// EnvConfigDir overrides the config directory when set.
const EnvConfigDir = "SESSION_SEARCH_CONFIG_DIR"

// Path returns the default config file location,
// ~/.config/session-search/config.toml, honoring EnvConfigDir.
func Path() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Join(dir, FileName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session-search", FileName), nil
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := Path()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config atomically: encode to a temp file in the same
// directory, then rename over the target.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := Path()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("# session-search configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Roots resolves the source roots, applying defaults for unset entries
// and honoring the "-" disable marker.
func (c *Config) Roots() source.Roots {
	def := source.DefaultRoots()
	return source.Roots{
		Claude:   resolveRoot(c.Sources.ClaudeDir, def.Claude),
		Codex:    resolveRoot(c.Sources.CodexDir, def.Codex),
		Gemini:   resolveRoot(c.Sources.GeminiDir, def.Gemini),
		Opencode: resolveRoot(c.Sources.OpencodeDir, def.Opencode),
	}
}

func resolveRoot(configured, fallback string) string {
	switch configured {
	case "":
		return fallback
	case "-":
		return ""
	}
	return expandHome(configured)
}

func expandHome(path string) string {
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "session-search")
}

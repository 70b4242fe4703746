package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gophersatwork/stash"
	"github.com/gophersatwork/stash/index"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// configName is the config file inside the metadata directory.
const configName = "stash.yaml"

// Config is the persisted per-tree configuration. Command-line flags
// override it.
type Config struct {
	Workers      int      `yaml:"workers,omitempty"`
	Archive      bool     `yaml:"archive"`
	Codec        string   `yaml:"codec"`
	KeepVersions int      `yaml:"keep_versions"`
	StaleAfter   Duration `yaml:"stale_after"`
	LogLevel     string   `yaml:"log_level"`
}

// Duration is a time.Duration written as "90s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func defaultConfig() Config {
	return Config{
		Codec:      "json",
		StaleAfter: Duration(time.Minute),
		LogLevel:   "info",
	}
}

func configPath(root string) string {
	return filepath.Join(root, stash.MetaDir, configName)
}

// loadConfig reads the config of the tree at root. A missing file
// yields the defaults.
func loadConfig(fsys afero.Fs, path string) (Config, error) {
	cfg := defaultConfig()
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(fsys afero.Fs, path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, data, 0o644)
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// options turns the config into repo options.
func (c Config) options() ([]stash.Option, error) {
	codec, err := index.CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}
	options := []stash.Option{
		stash.WithCodec(codec),
		stash.WithKeepVersions(c.KeepVersions),
	}
	if c.Workers > 0 {
		options = append(options, stash.WithWorkers(c.Workers))
	}
	if c.Archive {
		options = append(options, stash.WithArchive())
	}
	if c.StaleAfter > 0 {
		options = append(options, stash.WithStaleAfter(time.Duration(c.StaleAfter)))
	}
	return options, nil
}

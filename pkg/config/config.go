// Package config loads threadweave settings from defaults, a TOML file and
// THREADWEAVE_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. The first underscore
// after it separates section from key: THREADWEAVE_TRACKER_MAX_TRACKED sets
// tracker.max_tracked.
const EnvPrefix = "THREADWEAVE_"

// DefaultPaths are tried in order when no explicit file is given.
var DefaultPaths = []string{"./threadweave.toml", "$HOME/.threadweave.toml"}

// Config is the full configuration.
type Config struct {
	DB struct {
		Path string `koanf:"path"`
	} `koanf:"db"`

	Relays []string `koanf:"relays"`

	Tracker struct {
		Debounce   time.Duration `koanf:"debounce"`
		MaxTracked int           `koanf:"max_tracked"`
	} `koanf:"tracker"`

	Tree struct {
		EagerDepth int `koanf:"eager_depth"`
		MaxNodes   int `koanf:"max_nodes"`
	} `koanf:"tree"`

	Fetch struct {
		Timeout    time.Duration `koanf:"timeout"`
		RatePerSec float64       `koanf:"rate_per_sec"`
		Burst      int           `koanf:"burst"`
	} `koanf:"fetch"`

	Thread struct {
		Reactions bool `koanf:"reactions"`
	} `koanf:"thread"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"db.path":             "threadweave.db",
		"relays":              []string{"wss://relay.damus.io", "wss://nos.lol"},
		"tracker.debounce":    "200ms",
		"tracker.max_tracked": 2000,
		"tree.eager_depth":    2,
		"tree.max_nodes":      500,
		"fetch.timeout":       "10s",
		"fetch.rate_per_sec":  5.0,
		"fetch.burst":         5,
		"thread.reactions":    true,
		"log.level":           "info",
	}
}

// Load builds the configuration. An explicit path must exist; otherwise the
// first readable DefaultPaths entry is used, if any.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config %s: %w", p, err)
			}
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// Validate rejects settings the engine cannot run with.
func Validate(cfg *Config) error {
	switch {
	case cfg.DB.Path == "":
		return fmt.Errorf("db.path is required")
	case cfg.Tracker.Debounce <= 0:
		return fmt.Errorf("tracker.debounce must be positive, got %s", cfg.Tracker.Debounce)
	case cfg.Tracker.MaxTracked <= 0:
		return fmt.Errorf("tracker.max_tracked must be positive, got %d", cfg.Tracker.MaxTracked)
	case cfg.Tree.EagerDepth <= 0:
		return fmt.Errorf("tree.eager_depth must be positive, got %d", cfg.Tree.EagerDepth)
	case cfg.Fetch.RatePerSec <= 0 || cfg.Fetch.Burst <= 0:
		return fmt.Errorf("fetch.rate_per_sec and fetch.burst must be positive")
	}
	for _, r := range cfg.Relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return fmt.Errorf("relay %q: must be a ws:// or wss:// url", r)
		}
	}
	return nil
}

// InitConfig writes a sample configuration file to path.
func InitConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists at %s", path)
	}

	sample := `# threadweave configuration

relays = ["wss://relay.damus.io", "wss://nos.lol"]

[db]
path = "threadweave.db"

[tracker]
debounce = "200ms"
max_tracked = 2000

[tree]
eager_depth = 2
max_nodes = 500

[fetch]
timeout = "10s"
rate_per_sec = 5.0
burst = 5

[thread]
reactions = true

[log]
level = "info"
`
	return os.WriteFile(path, []byte(sample), 0644)
}

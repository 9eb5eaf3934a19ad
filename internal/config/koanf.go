// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are tried in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"./lunch.yaml",
	"/etc/lunch/lunch.yaml",
}

// EnvPrefix is the prefix recognized for environment variable overrides,
// e.g. LUNCH_RECONCILE_INTERVAL.
const EnvPrefix = "LUNCH_"

// Load builds a Config by layering, in order: built-in defaults, an
// optional YAML file, then environment variables. Later layers win.
func Load(explicitPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}

	path := explicitPath
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: loading file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing path from DefaultConfigPaths,
// or "" if none exist.
func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps LUNCH_RECONCILE_INTERVAL -> reconcile_interval etc.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ToLower(key)
}

// WatchConfigFile watches path for changes and invokes callback with a
// freshly loaded Config whenever it is rewritten. The returned function
// stops watching.
func WatchConfigFile(path string, callback func(Config, error)) (func(), error) {
	provider := file.Provider(path)
	err := provider.Watch(func(event interface{}, err error) {
		if err != nil {
			callback(Config{}, fmt.Errorf("config: watch %s: %w", path, err))
			return
		}
		cfg, loadErr := Load(path)
		callback(cfg, loadErr)
	})
	if err != nil {
		return nil, fmt.Errorf("config: starting watch on %s: %w", path, err)
	}
	return func() { _ = provider.Unwatch() }, nil
}

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables that override configuration.
	EnvPrefix = "PREFORK_"

	// ConfigPathEnvVar names the YAML file when -config is absent.
	ConfigPathEnvVar = "PREFORK_CONFIG"
)

// Variables the worker protocol owns; they are never configuration.
var reservedEnv = map[string]bool{
	"PREFORK_CONFIG":        true,
	"PREFORK_WORKER_ID":     true,
	"PREFORK_WORKER_CONFIG": true,
	"PREFORK_SUPERVISOR_ID": true,
}

// Load parses args and layers defaults, file, environment and flags.
// The returned config has not been validated.
func Load(args []string, stderr io.Writer) (*Config, error) {
	fs, configPath := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}

	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Layer 4: explicit flags
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := k.Set(key, f.Value.String()); err != nil {
			setErr = errors.Join(setErr, fmt.Errorf("flag -%s: %w", f.Name, err))
		}
	})
	if setErr != nil {
		return nil, setErr
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// envTransformFunc maps PREFORK_WORKER_TIMEOUT to worker_timeout. Reserved
// protocol variables are dropped.
func envTransformFunc(key string) string {
	if reservedEnv[key] {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

// Package cliconfig loads the rebind CLI's optional config file and
// environment overrides, grounded on davejbax/pixie's cmd/pixie/config.go
// (viper.ReadInConfig + defaults.Set + viper.Unmarshal) per SPEC_FULL.md §6.
package cliconfig

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
	"github.com/xyproto/env/v2"
)

// Config holds the toolchain-wide settings SPEC_FULL.md §6 names: a temp
// directory for intermediate *.asm artifacts and a default output path
// convention, both overridable from a YAML/TOML/JSON file via --config.
type Config struct {
	TempDir       string `mapstructure:"temp_directory" default:"/tmp/rebind"`
	OutputSuffix  string `mapstructure:"output_suffix" default:".rebind.exe"`
	KeepTempFiles bool   `mapstructure:"keep_temp_files" default:"false"`
}

// Load reads path (if non-empty) into a Config seeded with its struct-tag
// defaults, then applies the REBIND_TMPDIR environment override. path may
// be empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set config defaults: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config from %q: %w", path, err)
		}
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if dir := env.Str("REBIND_TMPDIR"); dir != "" {
		cfg.TempDir = dir
	}

	return cfg, nil
}

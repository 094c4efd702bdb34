package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	envTuning     = "KDISPATCH_TUNING"
	envTuningFile = "KDISPATCH_TUNING_FILE"
	envConfig     = "KDISPATCH_CONFIG"
)

// Config represents the kdispatch configuration file
// (~/.config/kdispatch/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Backend  string `yaml:"backend"`
	DataType string `yaml:"data_type"`
	Workers  *int64 `yaml:"workers"`

	OutOfRangeCheck *bool          `yaml:"out_of_range_check"`
	Obfuscate       *bool          `yaml:"obfuscate"`
	KernelTimeLimit *time.Duration `yaml:"kernel_time_limit"`

	// Tuning
	Tuning     *bool  `yaml:"tuning"`
	TuningFile string `yaml:"tuning_file"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := strings.TrimSpace(os.Getenv(envConfig)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kdispatch", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file is a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv layers the environment over the file values.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(envTuning); ok && strings.TrimSpace(v) != "" {
		on, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s=%q: %w", envTuning, v, err)
		}
		cfg.Tuning = &on
	}
	if v := strings.TrimSpace(os.Getenv(envTuningFile)); v != "" {
		cfg.TuningFile = v
	}
	return nil
}

// applyGlobalConfig applies config defaults to the global flag variables
// when the corresponding flag was not set on the command line.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.DataType != "" && !c.IsSet("data-type") {
		dataType = cfg.DataType
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.OutOfRangeCheck != nil && !c.IsSet("out-of-range-check") {
		outOfRangeCheck = *cfg.OutOfRangeCheck
	}
	if cfg.Obfuscate != nil && !c.IsSet("obfuscate") {
		obfuscate = *cfg.Obfuscate
	}
	if cfg.KernelTimeLimit != nil && !c.IsSet("kernel-time-limit") {
		kernelTimeLimit = *cfg.KernelTimeLimit
	}
	if cfg.Tuning != nil && !c.IsSet("tune") {
		tuningEnabled = *cfg.Tuning
	}
	if cfg.TuningFile != "" && !c.IsSet("tuning-file") {
		tuningFile = cfg.TuningFile
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

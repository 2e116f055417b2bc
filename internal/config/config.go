// Package config loads runpad configuration via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AuthToken gates mutating requests (upload, delete, run).
	// Supports ${ENV_VAR} expansion. Empty disables the gate.
	AuthToken string `mapstructure:"auth_token"`
	// MaxUploadBytes bounds script upload size.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type SandboxConfig struct {
	Memory    string `mapstructure:"memory"`
	CPUs      string `mapstructure:"cpus"`
	PidsLimit int    `mapstructure:"pids_limit"`
	User      string `mapstructure:"user"`
	Binary    string `mapstructure:"binary"`
}

type PolicyConfig struct {
	// File optionally overlays extra extension policies (YAML).
	File string `mapstructure:"file"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runpad")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.runpad")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_bytes", 1<<20)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".runpad", "runpad.db"))
	v.SetDefault("sandbox.memory", "256m")
	v.SetDefault("sandbox.cpus", "0.5")
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.user", "65534:65534")
	v.SetDefault("sandbox.binary", "docker")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in the auth token
	if t := cfg.Server.AuthToken; strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") {
		cfg.Server.AuthToken = os.Getenv(t[2 : len(t)-1])
	}

	return &cfg, nil
}

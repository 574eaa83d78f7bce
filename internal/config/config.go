// Package config loads the nixforge runtime configuration. Every
// option can be set through NIXFORGE_-prefixed environment variables
// or an optional config.yaml.
package config

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

// Config holds all runtime options recognized by nixforge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Crypt     CryptConfig     `mapstructure:"crypt"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Bin       BinConfig       `mapstructure:"bin"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	BasePath  string          `mapstructure:"base_path"`
	Debug     bool            `mapstructure:"debug"`
}

// ServerConfig holds the HTTP bind address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the data-store URL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// CryptConfig points at the process-wide encryption secret: 32 bytes,
// base64-encoded on disk, used as the AES-256 key for key material at
// rest.
type CryptConfig struct {
	SecretFile string `mapstructure:"secret_file"`
}

// AuthConfig points at the JWT signing secret.
type AuthConfig struct {
	JWTSecretFile string `mapstructure:"jwt_secret_file"`
}

// BinConfig holds the paths to external tool binaries.
type BinConfig struct {
	Nix  string `mapstructure:"nix"`
	Git  string `mapstructure:"git"`
	Zstd string `mapstructure:"zstd"`
	SSH  string `mapstructure:"ssh"`
}

// SchedulerConfig holds the control-loop limits.
type SchedulerConfig struct {
	MaxConcurrentEvaluations int `mapstructure:"max_concurrent_evaluations"`
	MaxConcurrentBuilds      int `mapstructure:"max_concurrent_builds"`
	// EvaluationTimeout is the minimum number of seconds between
	// update checks of the same project.
	EvaluationTimeout int `mapstructure:"evaluation_timeout"`
}

// Load reads configuration from the optional config file and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nixforge")

	v.SetEnvPrefix("NIXFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, xerrors.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.url", "postgres://localhost/nixforge")

	v.SetDefault("crypt.secret_file", "")
	v.SetDefault("auth.jwt_secret_file", "")

	v.SetDefault("bin.nix", "nix")
	v.SetDefault("bin.git", "git")
	v.SetDefault("bin.zstd", "zstd")
	v.SetDefault("bin.ssh", "ssh")

	v.SetDefault("scheduler.max_concurrent_evaluations", 10)
	v.SetDefault("scheduler.max_concurrent_builds", 1000)
	v.SetDefault("scheduler.evaluation_timeout", 10)

	v.SetDefault("base_path", "/var/lib/nixforge")
	v.SetDefault("debug", false)
}

// CryptSecret reads and decodes the process-wide encryption secret.
// The decoded key must be exactly 32 bytes (AES-256).
func (c *Config) CryptSecret() ([]byte, error) {
	if c.Crypt.SecretFile == "" {
		return nil, xerrors.New("crypt.secret_file is not configured")
	}
	raw, err := os.ReadFile(c.Crypt.SecretFile)
	if err != nil {
		return nil, xerrors.Errorf("reading crypt secret: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, xerrors.Errorf("decoding crypt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, xerrors.Errorf("crypt secret is %d bytes after decoding, want 32", len(key))
	}
	return key, nil
}

// JWTSecret reads the JWT signing secret.
func (c *Config) JWTSecret() ([]byte, error) {
	if c.Auth.JWTSecretFile == "" {
		return nil, xerrors.New("auth.jwt_secret_file is not configured")
	}
	raw, err := os.ReadFile(c.Auth.JWTSecretFile)
	if err != nil {
		return nil, xerrors.Errorf("reading jwt secret: %w", err)
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// WIDE_-prefixed environment variables (WIDE_LISTEN_ADDR -> listen_addr).
// The result is validated once and never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "WIDE_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Shell root modes.
const (
	ShellRootProject = "project"
	ShellRootGlobal  = "global"
)

// Key hashing schemes.
const (
	KeyHashNone    = "none"
	KeyHashMD5     = "md5"
	KeyHashBlake2b = "blake2b"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string        `koanf:"listen_addr"`
	ShellAddr       string        `koanf:"shell_addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigin      string        `koanf:"cors_origin"`

	// Logging
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Project registry: a JSON document, or a Postgres table when a
	// database URL is set.
	RegistryPath        string `koanf:"registry_path"`
	RegistryDatabaseURL string `koanf:"registry_database_url"`
	RegistryTable       string `koanf:"registry_table"`

	// Request keys are looked up after hashing with KeyHash (none, md5,
	// blake2b) salted with KeySalt.
	KeyHash string `koanf:"key_hash"`
	KeySalt string `koanf:"key_salt"`

	// Files
	BasePath            string   `koanf:"base_path"`
	AllowProtected      bool     `koanf:"allow_protected"`
	ProtectedExtensions []string `koanf:"protected_extensions"`
	CreateDirs          bool     `koanf:"create_dirs"`
	MaxRequestSize      int64    `koanf:"max_request_size"`

	// Quotas (0 = unlimited)
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// Shell bridge
	Shell         string   `koanf:"shell"`
	ShellArgs     []string `koanf:"shell_args"`
	ShellTerm     string   `koanf:"shell_term"`
	ShellRootMode string   `koanf:"shell_root_mode"`
	ShellRoot     string   `koanf:"shell_root"`
	ShellCols     int      `koanf:"shell_cols"`
	ShellRows     int      `koanf:"shell_rows"`
}

// Load reads configuration from the YAML file at path (optional, may be
// empty) and from the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ProtectedExtensions = splitList(cfg.ProtectedExtensions)
	cfg.ShellArgs = splitList(cfg.ShellArgs)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return io.ReadAll(f)
}

// splitList expands comma-separated entries, which is how list values
// arrive from a single environment variable.
func splitList(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.ShellAddr == "" {
		cfg.ShellAddr = ":8886"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = "wide_config.json"
	}
	if cfg.RegistryTable == "" {
		cfg.RegistryTable = "projects"
	}
	if cfg.KeyHash == "" {
		cfg.KeyHash = KeyHashNone
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "./project/"
	}
	if cfg.ProtectedExtensions == nil {
		cfg.ProtectedExtensions = []string{".php"}
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 32 * 1024 * 1024 // 32MB
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.ShellTerm == "" {
		cfg.ShellTerm = "xterm-color"
	}
	if cfg.ShellRootMode == "" {
		cfg.ShellRootMode = ShellRootProject
	}
	if cfg.ShellCols == 0 {
		cfg.ShellCols = 80
	}
	if cfg.ShellRows == 0 {
		cfg.ShellRows = 24
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.KeyHash {
	case KeyHashNone, KeyHashMD5, KeyHashBlake2b:
	default:
		errs = append(errs, fmt.Errorf("key_hash must be one of none, md5, blake2b; got %q", c.KeyHash))
	}
	if c.KeyHash == KeyHashBlake2b && len(c.KeySalt) > 64 {
		errs = append(errs, errors.New("key_salt must be at most 64 bytes for blake2b"))
	}

	switch c.ShellRootMode {
	case ShellRootProject:
	case ShellRootGlobal:
		if c.ShellRoot == "" {
			errs = append(errs, errors.New("shell_root is required when shell_root_mode is global"))
		}
	default:
		errs = append(errs, fmt.Errorf("shell_root_mode must be project or global; got %q", c.ShellRootMode))
	}

	for _, ext := range c.ProtectedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("protected extension %q must start with a dot", ext))
		}
	}

	if c.MaxRequestSize < 0 {
		errs = append(errs, errors.New("max_request_size must not be negative"))
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests_per_minute must not be negative"))
	}
	if c.ShellCols < 0 || c.ShellCols > 0xffff || c.ShellRows < 0 || c.ShellRows > 0xffff {
		errs = append(errs, errors.New("shell_cols and shell_rows must fit a terminal size"))
	}

	return errors.Join(errs...)
}

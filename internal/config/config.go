// Package config loads configuration from environment variables and the
// users file. The result is validated once and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every variable, e.g. FB_ROOT.
const envPrefix = "FB"

// Role names accepted in the users file.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	PublicDir   string `envconfig:"PUBLIC_DIR"`

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Browsing
	Root    string   `envconfig:"ROOT" required:"true"`
	Exclude []string `envconfig:"EXCLUDE"`

	// Auth
	JWTSecret       string  `envconfig:"JWT_SECRET" required:"true"`
	TokenTTLMinutes float64 `envconfig:"TOKEN_TTL_MINUTES" default:"60"`
	UsersFile       string  `envconfig:"USERS_FILE"`

	Users []User `ignored:"true"`
}

// User is an account allowed to log in.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// Load reads configuration from the environment, loads the users file if
// one is named and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.UsersFile != "" {
		users, err := LoadUsers(cfg.UsersFile)
		if err != nil {
			return nil, err
		}
		cfg.Users = users
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadUsers reads the YAML users file.
func LoadUsers(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	return f.Users, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root must be absolute")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("token ttl must be a positive number of minutes")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("user %s: password_hash required", u.Username)
		}
		if u.Role != RoleAdmin && u.Role != RoleUser {
			return fmt.Errorf("user %s: role must be %q or %q", u.Username, RoleAdmin, RoleUser)
		}
		if seen[u.Username] {
			return fmt.Errorf("user %s: duplicate username", u.Username)
		}
		seen[u.Username] = true
	}

	for _, pattern := range c.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	return nil
}

// TokenTTL returns the token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes * float64(time.Minute))
}

// UseTLS reports whether the server should listen with TLS.
func (c *Config) UseTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"

	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"

	// DefaultSQLitePath is the default mirror database file.
	DefaultSQLitePath = "./benchkeeper.db"

	// DefaultPostgresPort is the default PostgreSQL port.
	DefaultPostgresPort = 5432

	// DefaultPublicRequestsPerMinute limits read endpoints per client IP.
	DefaultPublicRequestsPerMinute = 120

	// DefaultWriteRequestsPerMinute limits the append endpoint per client IP.
	DefaultWriteRequestsPerMinute = 30
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Write   RateLimitTier `yaml:"write,omitempty" mapstructure:"write"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig controls who may append runs over HTTP. With no tokens the
// append endpoint is disabled.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// APIToken is a named bearer token stored as a bcrypt hash.
type APIToken struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

func (c *DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case DriverPostgres:
		if c.Postgres.Host == "" {
			return errors.New("postgres.host is required")
		}

		if c.Postgres.Database == "" {
			return errors.New("postgres.database is required")
		}
	default:
		return fmt.Errorf("unknown driver %q (want %q or %q)", c.Driver, DriverSQLite, DriverPostgres)
	}

	return nil
}

func (c *APIConfig) validate() error {
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Public.RequestsPerMinute <= 0 {
			return errors.New("server.rate_limit.public.requests_per_minute must be positive")
		}

		if c.Server.RateLimit.Write.RequestsPerMinute <= 0 {
			return errors.New("server.rate_limit.write.requests_per_minute must be positive")
		}
	}

	seen := make(map[string]struct{}, len(c.Auth.Tokens))

	for i, tok := range c.Auth.Tokens {
		if tok.Name == "" {
			return fmt.Errorf("auth.tokens[%d]: name is required", i)
		}

		if _, ok := seen[tok.Name]; ok {
			return fmt.Errorf("auth.tokens[%d]: duplicate name %q", i, tok.Name)
		}

		seen[tok.Name] = struct{}{}

		if !strings.HasPrefix(tok.Hash, "$2") {
			return fmt.Errorf("auth.tokens[%q]: hash must be a bcrypt hash", tok.Name)
		}
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flarebyte/redstore/internal/paths"
	"github.com/flarebyte/redstore/internal/store"
)

const (
	DefaultGRPCAddr       = "127.0.0.1:53051"
	DefaultHTTPAddr       = "127.0.0.1:53052"
	DefaultPostgresPort   = 5432
	DefaultDimension      = 384
	DefaultRetention      = "168h"
	DefaultControlSchema  = "redstore"
	DefaultBusyTimeoutMS  = 5000
	DefaultMaxConns       = 10
	DefaultSecretName     = "server-secret"
	EnvServerSecret       = "REDSTORE_SERVER_SECRET"
	SecretSourceConfig    = "config"
	SecretSourceEnv       = "env"
	SecretSourceKeychain  = "keychain"
	LogFormatConsole      = "console"
	LogFormatJSON         = "json"
	defaultPostgresDBName = "redstore"
)

type IdentityConfig struct {
	// Secret keys the namespace token hash. Prefer REDSTORE_SERVER_SECRET or the keychain.
	Secret       string `yaml:"secret,omitempty"`
	SecretSource string `yaml:"secret_source"` // config, env or keychain
	SecretName   string `yaml:"secret_name"`
}

type PostgresConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password,omitempty"`
	DBName        string `yaml:"dbname"`
	SSLMode       string `yaml:"sslmode"`
	MaxConns      int32  `yaml:"max_conns"`
	ControlSchema string `yaml:"control_schema"`
}

// DSN returns a libpq keyword/value connection string.
func (p PostgresConfig) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", p.Host),
		fmt.Sprintf("port=%d", p.Port),
		fmt.Sprintf("dbname=%s", p.DBName),
		fmt.Sprintf("sslmode=%s", p.SSLMode),
	}
	if p.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", p.User))
	}
	if p.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", p.Password))
	}
	return strings.Join(parts, " ")
}

// Configured reports whether enough is set to attempt a connection.
func (p PostgresConfig) Configured() bool {
	return p.Host != "" && p.User != "" && p.DBName != ""
}

type EmbeddedConfig struct {
	Dir           string `yaml:"dir"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type EmbeddingConfig struct {
	Dimension int `yaml:"dimension"`
}

type StoreConfig struct {
	DefaultBackend string `yaml:"default_backend"`
}

type MigrationConfig struct {
	Retention string `yaml:"retention"`
}

// RetentionDuration parses Retention. Callers run Validate first.
func (m MigrationConfig) RetentionDuration() time.Duration {
	d, err := time.ParseDuration(m.Retention)
	if err != nil {
		return 0
	}
	return d
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type LogConfig struct {
	Verbose bool   `yaml:"verbose"`
	Format  string `yaml:"format"` // console or json
}

type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Embedded  EmbeddedConfig  `yaml:"embedded"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Migration MigrationConfig `yaml:"migration"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

func defaults() Config {
	return Config{
		Identity: IdentityConfig{SecretSource: SecretSourceConfig, SecretName: DefaultSecretName},
		Postgres: PostgresConfig{
			Host:          "127.0.0.1",
			Port:          DefaultPostgresPort,
			DBName:        defaultPostgresDBName,
			SSLMode:       "disable",
			MaxConns:      DefaultMaxConns,
			ControlSchema: DefaultControlSchema,
		},
		Embedded:  EmbeddedConfig{Dir: paths.NamespacesDir(), BusyTimeoutMS: DefaultBusyTimeoutMS},
		Embedding: EmbeddingConfig{Dimension: DefaultDimension},
		Store:     StoreConfig{DefaultBackend: string(store.BackendEmbedded)},
		Migration: MigrationConfig{Retention: DefaultRetention},
		Server:    ServerConfig{GRPCAddr: DefaultGRPCAddr, HTTPAddr: DefaultHTTPAddr},
		Log:       LogConfig{Format: LogFormatConsole},
	}
}

// Default returns the built-in configuration.
func Default() Config { return defaults() }

// Path returns the expected path to the config.yaml file.
func Path() string {
	return filepath.Join(paths.Home(), "config.yaml")
}

// Load reads configuration from config.yaml if it exists.
// Missing file is not an error; defaults are returned.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from p merged over defaults.
func LoadFile(p string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(b, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	merge(&cfg, fileCfg)
	applyEnv(&cfg)
	return cfg, nil
}

// merge overrides defaults with provided values if non-zero.
func merge(cfg *Config, f Config) {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Identity.Secret, f.Identity.Secret)
	setStr(&cfg.Identity.SecretSource, f.Identity.SecretSource)
	setStr(&cfg.Identity.SecretName, f.Identity.SecretName)

	setStr(&cfg.Postgres.Host, f.Postgres.Host)
	if f.Postgres.Port != 0 {
		cfg.Postgres.Port = f.Postgres.Port
	}
	setStr(&cfg.Postgres.User, f.Postgres.User)
	setStr(&cfg.Postgres.Password, f.Postgres.Password)
	setStr(&cfg.Postgres.DBName, f.Postgres.DBName)
	setStr(&cfg.Postgres.SSLMode, f.Postgres.SSLMode)
	if f.Postgres.MaxConns != 0 {
		cfg.Postgres.MaxConns = f.Postgres.MaxConns
	}
	setStr(&cfg.Postgres.ControlSchema, f.Postgres.ControlSchema)

	setStr(&cfg.Embedded.Dir, f.Embedded.Dir)
	if f.Embedded.BusyTimeoutMS != 0 {
		cfg.Embedded.BusyTimeoutMS = f.Embedded.BusyTimeoutMS
	}
	if f.Embedding.Dimension != 0 {
		cfg.Embedding.Dimension = f.Embedding.Dimension
	}
	setStr(&cfg.Store.DefaultBackend, f.Store.DefaultBackend)
	setStr(&cfg.Migration.Retention, f.Migration.Retention)
	setStr(&cfg.Server.GRPCAddr, f.Server.GRPCAddr)
	setStr(&cfg.Server.HTTPAddr, f.Server.HTTPAddr)
	if f.Log.Verbose {
		cfg.Log.Verbose = true
	}
	setStr(&cfg.Log.Format, f.Log.Format)
}

func applyEnv(cfg *Config) {
	if cfg.Identity.SecretSource == SecretSourceKeychain {
		return
	}
	if v := os.Getenv(EnvServerSecret); v != "" {
		cfg.Identity.Secret = v
	}
}

// Validate reports the first invalid setting as a configuration error.
// The secret itself is checked where it is resolved.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return store.Errorf(store.ErrConfiguration, "config.validate", store.Namespace{}, format, args...)
	}
	switch c.Identity.SecretSource {
	case SecretSourceConfig, SecretSourceEnv, SecretSourceKeychain:
	default:
		return bad("identity.secret_source %q must be config, env or keychain", c.Identity.SecretSource)
	}
	if !store.BackendKind(c.Store.DefaultBackend).Valid() {
		return bad("store.default_backend %q must be embedded or relational", c.Store.DefaultBackend)
	}
	if c.Embedding.Dimension <= 0 {
		return bad("embedding.dimension must be positive")
	}
	if c.Embedded.Dir == "" {
		return bad("embedded.dir must be set")
	}
	if c.Embedded.BusyTimeoutMS < 0 {
		return bad("embedded.busy_timeout_ms must not be negative")
	}
	d, err := time.ParseDuration(c.Migration.Retention)
	if err != nil || d < 0 {
		return bad("migration.retention %q is not a duration", c.Migration.Retention)
	}
	if c.Postgres.ControlSchema == "" {
		return bad("postgres.control_schema must be set")
	}
	if c.Postgres.MaxConns < 0 {
		return bad("postgres.max_conns must not be negative")
	}
	if c.Store.DefaultBackend == string(store.BackendRelational) && !c.Postgres.Configured() {
		return bad("relational default backend needs postgres host, user and dbname")
	}
	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		return bad("log.format %q must be console or json", c.Log.Format)
	}
	return nil
}

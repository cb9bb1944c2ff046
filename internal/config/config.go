// Package config provides configuration management for the Keel engine.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Import Path: keel.dev/keel/internal/config
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Snapshot store kinds.
const (
	SnapshotStoreMemory   = "memory"
	SnapshotStorePostgres = "postgres"
	SnapshotStoreRedis    = "redis"
	// SnapshotStoreQueue persists snapshots through River jobs into postgres.
	SnapshotStoreQueue = "queue"
)

var snapshotStores = []string{SnapshotStoreMemory, SnapshotStorePostgres, SnapshotStoreRedis, SnapshotStoreQueue}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	River    RiverConfig    `mapstructure:"river"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Security SecurityConfig `mapstructure:"security"`
	OTel     OTelConfig     `mapstructure:"otel"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                  int           `mapstructure:"port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`
	AllowCredentials      bool          `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool          `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings. One pool is shared
// by the event journal, snapshot store, audit log, River and resource
// repositories.
type DatabaseConfig struct {
	// Enabled selects PostgreSQL. When false the engine runs on in-memory
	// stores.
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains Redis settings for the redis snapshot store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize  int `mapstructure:"general_pool_size"`
	SnapshotPoolSize int `mapstructure:"snapshot_pool_size"`
}

// SnapshotConfig is the snapshot policy shared by every aggregate type.
type SnapshotConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Threshold     int64         `mapstructure:"threshold"`
	SchemaVersion int           `mapstructure:"schema_version"`
	Store         string        `mapstructure:"store"`
	Retain        int           `mapstructure:"retain"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// JWTSigningKey verifies HS256 bearer tokens. Auto-generated when empty.
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	// RequireAuth rejects command requests without a valid bearer token and
	// enables permission checks on resources.
	RequireAuth bool `mapstructure:"require_auth"`
}

// OTelConfig contains OpenTelemetry tracing settings.
type OTelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Nested keys map to upper-case names: snapshot.threshold → SNAPSHOT_THRESHOLD.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/keel")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	if c.Snapshot.Threshold < 1 {
		return fmt.Errorf("snapshot.threshold must be at least 1, got %d", c.Snapshot.Threshold)
	}
	if !slices.Contains(snapshotStores, c.Snapshot.Store) {
		return fmt.Errorf("snapshot.store %q is not one of %s", c.Snapshot.Store, strings.Join(snapshotStores, ", "))
	}
	if !c.Database.Enabled && (c.Snapshot.Store == SnapshotStorePostgres || c.Snapshot.Store == SnapshotStoreQueue) {
		return fmt.Errorf("snapshot.store %q requires database.enabled", c.Snapshot.Store)
	}
	if c.Snapshot.Store == SnapshotStoreRedis && c.Redis.Addr == "" {
		return fmt.Errorf("snapshot.store redis requires redis.addr")
	}
	return nil
}

// ensureSecrets auto-generates a missing JWT signing key. Tokens signed with
// a generated key do not survive a restart.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn(
			"auto-generated jwt_signing_key; set SECURITY_JWT_SIGNING_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "keel")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "keel")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "keel:")
	v.SetDefault("redis.ttl", "0s")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.snapshot_pool_size", 16)

	// Snapshots
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.threshold", 100)
	v.SetDefault("snapshot.schema_version", 1)
	v.SetDefault("snapshot.store", SnapshotStorePostgres)
	v.SetDefault("snapshot.retain", 3)
	v.SetDefault("snapshot.prune_interval", "1h")

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_issuer", "keel")
	v.SetDefault("security.require_auth", false)

	// OpenTelemetry
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service_name", "keel")
}

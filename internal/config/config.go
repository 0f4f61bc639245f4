// Package config loads opscore runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPSCORE_"

// Publisher backends.
const (
	PublisherMemory = "memory"
	PublisherRedis  = "redis"
	PublisherNone   = "none"
)

// Config is the root configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Blob        BlobConfig        `yaml:"blob"`
	Sensitive   []string          `yaml:"sensitive_fields"`
	RecordKinds []string          `yaml:"record_kinds"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds the HS256 token secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	SQLitePath      string        `yaml:"sqlite_path"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PublisherConfig selects the event channel.
type PublisherConfig struct {
	Driver  string        `yaml:"driver"`
	Timeout time.Duration `yaml:"timeout"`
	Buffer  int           `yaml:"buffer"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig addresses the Redis event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IdempotencyConfig controls receipt retention.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// BlobConfig selects where audit archives are written.
type BlobConfig struct {
	Driver string        `yaml:"driver"`
	FSRoot string        `yaml:"fs_root"`
	S3     blob.S3Config `yaml:"s3"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     string(core.StorageSQLite),
			SQLitePath: "opscore.db",
		},
		Publisher: PublisherConfig{
			Driver:  PublisherMemory,
			Timeout: 2 * time.Second,
			Buffer:  128,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Blob: BlobConfig{
			Driver: string(blob.DriverFilesystem),
			FSRoot: "./auditdata",
		},
	}
}

// Load reads path when non-empty, applies environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from OPSCORE_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	dur("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_ISSUER", &cfg.Auth.Issuer)

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	num("POSTGRES_MAX_OPEN_CONNS", &cfg.Storage.MaxOpenConns)
	num("POSTGRES_MAX_IDLE_CONNS", &cfg.Storage.MaxIdleConns)
	dur("POSTGRES_CONN_MAX_LIFETIME", &cfg.Storage.ConnMaxLifetime)

	str("PUBLISHER_DRIVER", &cfg.Publisher.Driver)
	dur("PUBLISH_TIMEOUT", &cfg.Publisher.Timeout)
	num("PUBLISHER_BUFFER", &cfg.Publisher.Buffer)
	str("REDIS_ADDR", &cfg.Publisher.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Publisher.Redis.Password)
	num("REDIS_DB", &cfg.Publisher.Redis.DB)

	dur("IDEMPOTENCY_TTL", &cfg.Idempotency.TTL)

	str("BLOB_DRIVER", &cfg.Blob.Driver)
	str("BLOB_FS_ROOT", &cfg.Blob.FSRoot)
	str("BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	str("BLOB_S3_ACCESS_KEY_ID", &cfg.Blob.S3.AccessKeyID)
	str("BLOB_S3_SECRET_ACCESS_KEY", &cfg.Blob.S3.SecretAccessKey)
	if v, ok := lookup(EnvPrefix + "BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBLOB_S3_PATH_STYLE: %w", EnvPrefix, err))
		} else {
			cfg.Blob.S3.PathStyle = b
		}
	}

	list("SENSITIVE_FIELDS", &cfg.Sensitive)
	list("RECORD_KINDS", &cfg.RecordKinds)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory:
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory, sqlite or postgres", c.Storage.Driver))
	}
	switch c.Publisher.Driver {
	case PublisherMemory, PublisherNone:
	case PublisherRedis:
		if c.Publisher.Redis.Addr == "" {
			errs = append(errs, errors.New("publisher.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.driver %q must be memory, redis or none", c.Publisher.Driver))
	}
	if c.Publisher.Timeout <= 0 {
		errs = append(errs, errors.New("publisher.timeout must be positive"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	for _, k := range c.RecordKinds {
		if !domain.ValidKind(domain.EntityKind(k)) {
			errs = append(errs, fmt.Errorf("record_kinds entry %q must be a lower-case identifier", k))
		}
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q must be fs, s3 or memory", c.Blob.Driver))
	}
	return errors.Join(errs...)
}

// CoreStorage converts the storage section for core.OpenPersistentStore.
func (c *Config) CoreStorage() core.StorageConfig {
	return core.StorageConfig{
		Driver:          core.StorageDriver(c.Storage.Driver),
		SQLitePath:      c.Storage.SQLitePath,
		PostgresDSN:     c.Storage.PostgresDSN,
		MaxOpenConns:    c.Storage.MaxOpenConns,
		MaxIdleConns:    c.Storage.MaxIdleConns,
		ConnMaxLifetime: c.Storage.ConnMaxLifetime,
	}
}

// BlobStore converts the blob section for blob.Open.
func (c *Config) BlobStore() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3:     c.Blob.S3,
	}
}

// Kinds converts the configured record kinds. Nil means the service
// defaults.
func (c *Config) Kinds() []core.EntityKind {
	if len(c.RecordKinds) == 0 {
		return nil
	}
	out := make([]core.EntityKind, 0, len(c.RecordKinds))
	for _, k := range c.RecordKinds {
		out = append(out, core.EntityKind(k))
	}
	return out
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, core.StorageSQLite, cfg.CoreStorage().Driver)
	assert.Equal(t, "opscore.db", cfg.CoreStorage().SQLitePath)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.Publisher.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, blob.DriverFilesystem, cfg.BlobStore().Driver)
	assert.Equal(t, "./auditdata", cfg.BlobStore().FSRoot)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opscore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
storage:
  driver: memory
publisher:
  timeout: 500ms
idempotency:
  ttl: 1h
record_kinds: [schedule, credential]
sensitive_fields: [ssn]
blob:
  driver: s3
  s3:
    bucket: audit-archive
    path_style: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, core.StorageMemory, cfg.CoreStorage().Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Publisher.Timeout)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, []core.EntityKind{"schedule", "credential"}, cfg.Kinds())
	assert.Equal(t, []string{"ssn"}, cfg.Sensitive)
	assert.Equal(t, "audit-archive", cfg.BlobStore().S3.Bucket)
	assert.True(t, cfg.BlobStore().S3.PathStyle)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadRejectsMissingOrMalformedFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unterminated"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config file")
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"OPSCORE_STORAGE_DRIVER":          "postgres",
		"OPSCORE_POSTGRES_DSN":            "postgres://ops@db/ops",
		"OPSCORE_POSTGRES_MAX_OPEN_CONNS": "12",
		"OPSCORE_PUBLISHER_DRIVER":        "redis",
		"OPSCORE_REDIS_ADDR":              "cache:6379",
		"OPSCORE_PUBLISH_TIMEOUT":         "750ms",
		"OPSCORE_JWT_SECRET":              "s3cret",
		"OPSCORE_SENSITIVE_FIELDS":        " ssn , narrative_text ,",
		"OPSCORE_BLOB_S3_PATH_STYLE":      "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://ops@db/ops", cfg.Storage.PostgresDSN)
	assert.Equal(t, 12, cfg.Storage.MaxOpenConns)
	assert.Equal(t, "cache:6379", cfg.Publisher.Redis.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Publisher.Timeout)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"ssn", "narrative_text"}, cfg.Sensitive)
	assert.True(t, cfg.Blob.S3.PathStyle)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"OPSCORE_REDIS_DB":           "zero",
		"OPSCORE_IDEMPOTENCY_TTL":    "forever",
		"OPSCORE_BLOB_S3_PATH_STYLE": "maybe",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "OPSCORE_REDIS_DB")
	assert.ErrorContains(t, err, "OPSCORE_IDEMPOTENCY_TTL")
	assert.ErrorContains(t, err, "OPSCORE_BLOB_S3_PATH_STYLE")
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"sqlite without path", func(c *Config) { c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "postgres_dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Publisher.Driver = "redis"; c.Publisher.Redis.Addr = "" }, "redis.addr"},
		{"unknown publisher", func(c *Config) { c.Publisher.Driver = "kafka" }, "publisher.driver"},
		{"zero timeout", func(c *Config) { c.Publisher.Timeout = 0 }, "publisher.timeout"},
		{"zero ttl", func(c *Config) { c.Idempotency.TTL = 0 }, "idempotency.ttl"},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3" }, "blob.s3.bucket"},
		{"unknown blob", func(c *Config) { c.Blob.Driver = "gcs" }, "blob.driver"},
		{"dotted record kind", func(c *Config) { c.RecordKinds = []string{"east.schedule"} }, "record_kinds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
store:
  backend: local
  format: js
  local:
    path: ./original.js
  lock:
    timeout: 10s
detection:
  threshold: 0.25
api:
  server:
    listen: ":8080"
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original.js", cfg.Store.Local.Path)
				assert.Equal(t, 10*time.Second, cfg.Store.Lock.Timeout)
				assert.InDelta(t, 0.25, float64(cfg.Detection.Threshold), 1e-9)
				assert.Equal(t, ":8080", cfg.API.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"BENCHKEEPER_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - store.local.path",
			envVars: map[string]string{
				"BENCHKEEPER_STORE_LOCAL_PATH": "/var/lib/bench/data.js",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/lib/bench/data.js", cfg.Store.Local.Path)
			},
		},
		{
			name: "key absent from yaml - store.s3.bucket",
			envVars: map[string]string{
				"BENCHKEEPER_STORE_S3_BUCKET": "bench-history",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bench-history", cfg.Store.S3.Bucket)
			},
		},
		{
			name: "duration override - store.lock.timeout",
			envVars: map[string]string{
				"BENCHKEEPER_STORE_LOCK_TIMEOUT": "2m",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2*time.Minute, cfg.Store.Lock.Timeout)
			},
		},
		{
			name: "percent threshold override",
			envVars: map[string]string{
				"BENCHKEEPER_DETECTION_THRESHOLD": "200%",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.InDelta(t, 2.0, float64(cfg.Detection.Threshold), 1e-9)
			},
		},
		{
			name: "boolean override - allow_lossy_rewrite",
			envVars: map[string]string{
				"BENCHKEEPER_STORE_ALLOW_LOSSY_REWRITE": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Store.AllowLossyRewrite)
			},
		},
		{
			name: "slice override - lower_is_better_suffixes",
			envVars: map[string]string{
				"BENCHKEEPER_DETECTION_LOWER_IS_BETTER_SUFFIXES": "/op,ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"/op", "ms"}, cfg.Detection.LowerIsBetterSuffixes)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"BENCHKEEPER_GLOBAL_LOG_LEVEL":   "trace",
				"BENCHKEEPER_GLOBAL_LOG_FORMAT":  "json",
				"BENCHKEEPER_STORE_BACKEND":      "s3",
				"BENCHKEEPER_API_SERVER_LISTEN":  ":7070",
				"BENCHKEEPER_MIRROR_CONCURRENCY": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, "json", cfg.Global.LogFormat)
				assert.Equal(t, BackendS3, cfg.Store.Backend)
				assert.Equal(t, ":7070", cfg.API.Server.Listen)
				assert.Equal(t, 8, cfg.Mirror.Concurrency)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultLogFormat, cfg.Global.LogFormat)
	assert.Equal(t, BackendLocal, cfg.Store.Backend)
	assert.Equal(t, DefaultStoreFormat, cfg.Store.Format)
	assert.Equal(t, DefaultStorePath, cfg.Store.Local.Path)
	assert.Equal(t, DefaultLockTimeout, cfg.Store.Lock.Timeout)
	assert.Equal(t, DefaultLockPollInterval, cfg.Store.Lock.PollInterval)
	assert.Equal(t, DefaultLockStaleAfter, cfg.Store.Lock.StaleAfter)
	assert.InDelta(t, regression.DefaultThreshold, float64(cfg.Detection.Threshold), 1e-9)
	assert.Equal(t, regression.DefaultLowerIsBetterSuffixes, cfg.Detection.LowerIsBetterSuffixes)
	assert.Equal(t, DefaultListen, cfg.API.Server.Listen)
	assert.Equal(t, DefaultMirrorConcurrency, cfg.Mirror.Concurrency)
	assert.Equal(t, DriverSQLite, cfg.Mirror.Database.Driver)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
global:
  log_level: info
store:
  backend: s3
  s3:
    bucket: base-bucket
    key: bench/data.js
detection:
  threshold: 50%
`)
	override := writeConfig(t, "override.yaml", `
store:
  s3:
    bucket: override-bucket
detection:
  unit_directions:
    - unit: Ops/s
      direction: higher
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, BackendS3, cfg.Store.Backend)
	assert.Equal(t, "override-bucket", cfg.Store.S3.Bucket)
	assert.Equal(t, "bench/data.js", cfg.Store.S3.Key)
	assert.InDelta(t, 0.5, float64(cfg.Detection.Threshold), 1e-9)
	assert.Equal(t, []UnitDirection{{Unit: "Ops/s", Direction: "higher"}}, cfg.Detection.UnitDirections)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "detection:\n  threshold: \"-5%\"\n")

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:      "unknown log format",
			mutate:    func(cfg *Config) { cfg.Global.LogFormat = "xml" },
			errSubstr: "log_format",
		},
		{
			name:      "unknown backend",
			mutate:    func(cfg *Config) { cfg.Store.Backend = "ftp" },
			errSubstr: "unknown backend",
		},
		{
			name:      "unknown format",
			mutate:    func(cfg *Config) { cfg.Store.Format = "xml" },
			errSubstr: "format must be",
		},
		{
			name:      "s3 without bucket",
			mutate:    func(cfg *Config) { cfg.Store.Backend = BackendS3; cfg.Store.S3.Key = "k" },
			errSubstr: "s3.bucket is required",
		},
		{
			name:      "s3 without key",
			mutate:    func(cfg *Config) { cfg.Store.Backend = BackendS3; cfg.Store.S3.Bucket = "b" },
			errSubstr: "s3.key is required",
		},
		{
			name: "s3 with half credentials",
			mutate: func(cfg *Config) {
				cfg.Store.Backend = BackendS3
				cfg.Store.S3.Bucket = "b"
				cfg.Store.S3.Key = "k"
				cfg.Store.S3.AccessKeyID = "id"
			},
			errSubstr: "must be set together",
		},
		{
			name: "poll interval above timeout",
			mutate: func(cfg *Config) {
				cfg.Store.Lock.Timeout = time.Second
				cfg.Store.Lock.PollInterval = time.Minute
			},
			errSubstr: "poll_interval",
		},
		{
			name: "stale lock age within timeout",
			mutate: func(cfg *Config) {
				cfg.Store.Lock.Timeout = time.Minute
				cfg.Store.Lock.StaleAfter = 30 * time.Second
			},
			errSubstr: "stale_after",
		},
		{
			name:      "negative threshold",
			mutate:    func(cfg *Config) { cfg.Detection.Threshold = -1 },
			errSubstr: "negative",
		},
		{
			name:      "empty suffix",
			mutate:    func(cfg *Config) { cfg.Detection.LowerIsBetterSuffixes = []string{""} },
			errSubstr: "lower_is_better_suffixes[0]",
		},
		{
			name:      "bad unit direction",
			mutate:    func(cfg *Config) { cfg.Detection.UnitDirections = []UnitDirection{{Unit: "ms", Direction: "sideways"}} },
			errSubstr: "unit_directions[0]",
		},
		{
			name:      "unit direction without unit",
			mutate:    func(cfg *Config) { cfg.Detection.UnitDirections = []UnitDirection{{Direction: "lower"}} },
			errSubstr: "unit is required",
		},
		{
			name: "mirror postgres without host",
			mutate: func(cfg *Config) {
				cfg.Mirror.Enabled = true
				cfg.Mirror.Database.Driver = DriverPostgres
			},
			errSubstr: "postgres.host is required",
		},
		{
			name: "disabled mirror is not validated",
			mutate: func(cfg *Config) {
				cfg.Mirror.Database.Driver = "oracle"
			},
		},
		{
			name: "rate limit enabled without limits",
			mutate: func(cfg *Config) {
				cfg.API.Server.RateLimit.Enabled = true
				cfg.API.Server.RateLimit.Write.RequestsPerMinute = 0
			},
			errSubstr: "write.requests_per_minute",
		},
		{
			name: "token without bcrypt hash",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Tokens = []APIToken{{Name: "ci", Hash: "plaintext"}}
			},
			errSubstr: "bcrypt",
		},
		{
			name: "duplicate token names",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Tokens = []APIToken{
					{Name: "ci", Hash: "$2a$10$abc"},
					{Name: "ci", Hash: "$2a$10$def"},
				}
			},
			errSubstr: "duplicate name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestDetectionConfig_Policy(t *testing.T) {
	cfg := DetectionConfig{
		Threshold:             0.1,
		LowerIsBetterSuffixes: []string{"/op", "ms"},
		UnitDirections:        []UnitDirection{{Unit: "ops/s", Direction: "higher_is_better"}},
	}

	policy := cfg.Policy()

	assert.Equal(t, record.LowerIsBetter, policy.Resolve(&record.BenchResult{Unit: "latency ms"}))
	assert.Equal(t, record.HigherIsBetter, policy.Resolve(&record.BenchResult{Unit: "ops/s"}))
	assert.Equal(t, record.HigherIsBetter, policy.Resolve(&record.BenchResult{Unit: "MB/s"}))
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "bench"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=bench sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Store.S3.SecretAccessKey = "super-secret"
	cfg.Mirror.Database.Postgres.Password = "db-secret"
	cfg.API.Auth.Tokens = []APIToken{{Name: "ci", Hash: "$2a$10$hash"}}

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "super-secret")
	assert.NotContains(t, text, "db-secret")
	assert.NotContains(t, text, "$2a$10$hash")
	assert.True(t, strings.Contains(text, "name: ci"))

	// The original is untouched.
	assert.Equal(t, "super-secret", cfg.Store.S3.SecretAccessKey)
	assert.Equal(t, "$2a$10$hash", cfg.API.Auth.Tokens[0].Hash)
}

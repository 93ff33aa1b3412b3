package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "BENCHKEEPER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log output format.
	DefaultLogFormat = "text"

	// DefaultStorePath is the default local store file.
	DefaultStorePath = "./data.js"

	// DefaultStoreFormat is the default encoding for new stores.
	DefaultStoreFormat = "js"

	// DefaultListen is the default API listen address.
	DefaultListen = ":9090"

	// DefaultMirrorConcurrency bounds parallel tool syncs into the mirror.
	DefaultMirrorConcurrency = 4

	// DefaultLockTimeout bounds how long an append waits for the store lock.
	DefaultLockTimeout = 30 * time.Second

	// DefaultLockPollInterval is the delay between lock attempts.
	DefaultLockPollInterval = 100 * time.Millisecond

	// DefaultLockStaleAfter is the age past which an S3 lock object is
	// treated as abandoned and removed.
	DefaultLockStaleAfter = 10 * time.Minute

	// BackendLocal stores the history in a file on disk.
	BackendLocal = "local"

	// BackendS3 stores the history as a single S3 object.
	BackendS3 = "s3"
)

// Config is the root configuration for benchkeeper.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Detection DetectionConfig `yaml:"detection" mapstructure:"detection"`
	Mirror    MirrorConfig    `yaml:"mirror" mapstructure:"mirror"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
}

// StoreConfig selects and configures the history store.
type StoreConfig struct {
	Backend           string           `yaml:"backend" mapstructure:"backend"`
	Format            string           `yaml:"format" mapstructure:"format"`
	RepoURL           string           `yaml:"repo_url,omitempty" mapstructure:"repo_url"`
	AllowLossyRewrite bool             `yaml:"allow_lossy_rewrite" mapstructure:"allow_lossy_rewrite"`
	Local             LocalStoreConfig `yaml:"local" mapstructure:"local"`
	S3                S3Config         `yaml:"s3" mapstructure:"s3"`
	Lock              LockConfig       `yaml:"lock" mapstructure:"lock"`
}

// LocalStoreConfig configures the file backend.
type LocalStoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	// Owner is an optional "uid:gid" applied to the store and lock files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Key             string `yaml:"key" mapstructure:"key"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// LockConfig bounds how long an append waits for the store lock.
type LockConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// StaleAfter is the age at which an S3 lock left by a dead job is
	// reclaimed. It must exceed the longest expected append.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	Owner      string        `yaml:"owner,omitempty" mapstructure:"owner"`
}

// Threshold is a relative regression threshold. In YAML and env vars it
// may be written as a ratio ("0.5") or a percentage ("50%").
type Threshold float64

// DetectionConfig configures regression detection.
type DetectionConfig struct {
	Threshold             Threshold       `yaml:"threshold" mapstructure:"threshold"`
	LowerIsBetterSuffixes []string        `yaml:"lower_is_better_suffixes" mapstructure:"lower_is_better_suffixes"`
	UnitDirections        []UnitDirection `yaml:"unit_directions,omitempty" mapstructure:"unit_directions"`
}

// UnitDirection pins the direction of one exact unit string. It is a list
// entry rather than a map key because viper lower-cases map keys.
type UnitDirection struct {
	Unit      string `yaml:"unit" mapstructure:"unit"`
	Direction string `yaml:"direction" mapstructure:"direction"`
}

// Policy builds the direction policy described by the config. Validate
// must have succeeded first.
func (c DetectionConfig) Policy() regression.Policy {
	policy := regression.DefaultPolicy()
	policy.LowerIsBetterSuffixes = append([]string(nil), c.LowerIsBetterSuffixes...)

	if len(c.UnitDirections) > 0 {
		policy.UnitDirections = make(map[string]record.Direction, len(c.UnitDirections))

		for _, ud := range c.UnitDirections {
			parsed, _ := record.ParseDirection(ud.Direction)
			policy.UnitDirections[ud.Unit] = parsed
		}
	}

	return policy
}

// MirrorConfig configures the optional SQL mirror of the store.
type MirrorConfig struct {
	Enabled     bool           `yaml:"enabled" mapstructure:"enabled"`
	Concurrency int            `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Database    DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// Load reads the given YAML files in order, later files overriding earlier
// ones, then applies BENCHKEEPER_ environment overrides. With no paths only
// defaults and the environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToThresholdHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it even when
// no config file mentions it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.log_format", DefaultLogFormat)

	v.SetDefault("store.backend", BackendLocal)
	v.SetDefault("store.format", DefaultStoreFormat)
	v.SetDefault("store.repo_url", "")
	v.SetDefault("store.allow_lossy_rewrite", false)
	v.SetDefault("store.local.path", DefaultStorePath)
	v.SetDefault("store.local.owner", "")
	v.SetDefault("store.s3.endpoint_url", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.key", "")
	v.SetDefault("store.s3.access_key_id", "")
	v.SetDefault("store.s3.secret_access_key", "")
	v.SetDefault("store.s3.force_path_style", false)
	v.SetDefault("store.lock.timeout", DefaultLockTimeout)
	v.SetDefault("store.lock.poll_interval", DefaultLockPollInterval)
	v.SetDefault("store.lock.stale_after", DefaultLockStaleAfter)
	v.SetDefault("store.lock.owner", "")

	v.SetDefault("detection.threshold", regression.DefaultThreshold)
	v.SetDefault("detection.lower_is_better_suffixes", regression.DefaultLowerIsBetterSuffixes)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.concurrency", DefaultMirrorConcurrency)
	v.SetDefault("mirror.database.driver", DriverSQLite)
	v.SetDefault("mirror.database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("mirror.database.postgres.host", "")
	v.SetDefault("mirror.database.postgres.port", DefaultPostgresPort)
	v.SetDefault("mirror.database.postgres.user", "")
	v.SetDefault("mirror.database.postgres.password", "")
	v.SetDefault("mirror.database.postgres.database", "")
	v.SetDefault("mirror.database.postgres.ssl_mode", "")

	v.SetDefault("api.server.listen", DefaultListen)
	v.SetDefault("api.server.rate_limit.enabled", false)
	v.SetDefault("api.server.rate_limit.public.requests_per_minute", DefaultPublicRequestsPerMinute)
	v.SetDefault("api.server.rate_limit.write.requests_per_minute", DefaultWriteRequestsPerMinute)
}

// stringToThresholdHookFunc accepts "0.5" or "50%" for Threshold fields.
func stringToThresholdHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Threshold(0)) {
			return data, nil
		}

		v, err := regression.ParseThreshold(data.(string))
		if err != nil {
			return nil, err
		}

		return Threshold(v), nil
	}
}

// applyDefaults fills values that viper cannot default, such as zero values
// written explicitly in a file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.LogFormat == "" {
		c.Global.LogFormat = DefaultLogFormat
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendLocal
	}

	if c.Store.Format == "" {
		c.Store.Format = DefaultStoreFormat
	}

	if c.Store.Backend == BackendLocal && c.Store.Local.Path == "" {
		c.Store.Local.Path = DefaultStorePath
	}

	if c.Store.Lock.Timeout <= 0 {
		c.Store.Lock.Timeout = DefaultLockTimeout
	}

	if c.Store.Lock.PollInterval <= 0 {
		c.Store.Lock.PollInterval = DefaultLockPollInterval
	}

	if c.Store.Lock.StaleAfter <= 0 {
		c.Store.Lock.StaleAfter = DefaultLockStaleAfter
	}

	if c.Mirror.Concurrency <= 0 {
		c.Mirror.Concurrency = DefaultMirrorConcurrency
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Global.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("global.log_format must be \"text\" or \"json\", got %q", c.Global.LogFormat)
	}

	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Detection.validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	if c.Mirror.Enabled {
		if err := c.Mirror.Database.validate(); err != nil {
			return fmt.Errorf("mirror.database: %w", err)
		}
	}

	if err := c.API.validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

func (c *StoreConfig) validate() error {
	switch c.Format {
	case "json", "js":
	default:
		return fmt.Errorf("format must be \"json\" or \"js\", got %q", c.Format)
	}

	switch c.Backend {
	case BackendLocal:
		if c.Local.Path == "" {
			return errors.New("local.path is required")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required")
		}

		if c.S3.Key == "" {
			return errors.New("s3.key is required")
		}

		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return errors.New("s3.access_key_id and s3.secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendLocal, BackendS3)
	}

	if c.Lock.PollInterval > c.Lock.Timeout {
		return fmt.Errorf("lock.poll_interval %s exceeds lock.timeout %s", c.Lock.PollInterval, c.Lock.Timeout)
	}

	if c.Lock.StaleAfter <= c.Lock.Timeout {
		return fmt.Errorf("lock.stale_after %s must exceed lock.timeout %s", c.Lock.StaleAfter, c.Lock.Timeout)
	}

	return nil
}

func (c *DetectionConfig) validate() error {
	if err := regression.ValidateThreshold(float64(c.Threshold)); err != nil {
		return err
	}

	for i, suffix := range c.LowerIsBetterSuffixes {
		if suffix == "" {
			return fmt.Errorf("lower_is_better_suffixes[%d] is empty", i)
		}
	}

	for i, ud := range c.UnitDirections {
		if ud.Unit == "" {
			return fmt.Errorf("unit_directions[%d]: unit is required", i)
		}

		dir, err := record.ParseDirection(ud.Direction)
		if err != nil {
			return fmt.Errorf("unit_directions[%d]: %w", i, err)
		}

		if dir == record.DirectionUnset {
			return fmt.Errorf("unit_directions[%d]: direction is required", i)
		}
	}

	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Store.S3.SecretAccessKey != "" {
		out.Store.S3.SecretAccessKey = redacted
	}

	if out.Mirror.Database.Postgres.Password != "" {
		out.Mirror.Database.Postgres.Password = redacted
	}

	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Name: tok.Name, Hash: redacted}
	}

	return &out
}

const redacted = "<redacted>"

// YAML renders the redacted effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return out, nil
}

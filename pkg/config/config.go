// Package config holds the replication engine settings. Values come from
// defaults, an optional YAML file and SURREALSYNC_* environment variables,
// in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surrealdb/surrealsync/pkg/conflict"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/persist"
)

const EnvPrefix = "SURREALSYNC_"

var ErrInvalid = errors.New("config: invalid configuration")

type Outbound struct {
	Enabled             bool            `yaml:"enabled"`
	WorkerInterval      time.Duration   `yaml:"workerInterval"`
	MaxQueueSize        int             `yaml:"maxQueueSize"`
	MaxRetries          int             `yaml:"maxRetries"`
	RetryDelays         []time.Duration `yaml:"retryDelays"`
	ExcludedCollections []string        `yaml:"excludedCollections"`
}

type Inbound struct {
	Enabled              bool            `yaml:"enabled"`
	BatchSize            int             `yaml:"batchSize"`
	BatchTimeout         time.Duration   `yaml:"batchTimeout"`
	ReconnectInterval    time.Duration   `yaml:"reconnectInterval"`
	MaxReconnectAttempts int             `yaml:"maxReconnectAttempts"`
	MaxRetries           int             `yaml:"maxRetries"`
	RetryDelays          []time.Duration `yaml:"retryDelays"`
	ExcludedCollections  []string        `yaml:"excludedCollections"`
}

type Conflict struct {
	Strategy      string        `yaml:"strategy"`
	TiePreference models.Origin `yaml:"tiePreference"`
	LogSize       int           `yaml:"logSize"`
}

type Origin struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

type Local struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Remote struct {
	// Driver is one of memory or surrealdb.
	Driver         string        `yaml:"driver"`
	Endpoint       string        `yaml:"endpoint"`
	Namespace      string        `yaml:"namespace"`
	Database       string        `yaml:"database"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Tables         []string      `yaml:"tables"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ChangeBatch    int           `yaml:"changeBatch"`
	HealthInterval time.Duration `yaml:"healthInterval"`

	// DefineChangefeed defines missing tables with a changefeed of this
	// retention, e.g. "24h". Empty leaves the schema alone.
	DefineChangefeed string `yaml:"defineChangefeed"`
}

type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Key             string `yaml:"key"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

type Persistence struct {
	// Kind is one of none, file or s3.
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`
	Format   string `yaml:"format"`
	Compress bool   `yaml:"compress"`
	S3       S3     `yaml:"s3"`
}

type ResumeToken struct {
	// Kind is one of memory, file or sqlite.
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type Schema struct {
	Path string `yaml:"path"`
}

type Admin struct {
	// Listen is the admin HTTP address. Empty disables the admin API.
	Listen         string        `yaml:"listen"`
	StreamInterval time.Duration `yaml:"streamInterval"`
}

type Log struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type Config struct {
	InstanceID  string      `yaml:"instanceId"`
	Outbound    Outbound    `yaml:"outbound"`
	Inbound     Inbound     `yaml:"inbound"`
	Conflict    Conflict    `yaml:"conflict"`
	Origin      Origin      `yaml:"origin"`
	Local       Local       `yaml:"local"`
	Remote      Remote      `yaml:"remote"`
	Persistence Persistence `yaml:"persistence"`
	ResumeToken ResumeToken `yaml:"resumeToken"`
	Schema      Schema      `yaml:"schema"`
	Admin       Admin       `yaml:"admin"`
	Log         Log         `yaml:"log"`
}

func defaultRetryDelays() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second}
}

// NewConfig returns the default configuration: both directions enabled,
// in-memory stores and no persistence.
func NewConfig() *Config {
	return &Config{
		Outbound: Outbound{
			Enabled:        true,
			WorkerInterval: 100 * time.Millisecond,
			MaxQueueSize:   10000,
			MaxRetries:     models.DefaultMaxRetries,
			RetryDelays:    defaultRetryDelays(),
		},
		Inbound: Inbound{
			Enabled:              true,
			BatchSize:            100,
			BatchTimeout:         time.Second,
			ReconnectInterval:    time.Second,
			MaxReconnectAttempts: 10,
			MaxRetries:           models.DefaultMaxRetries,
			RetryDelays:          defaultRetryDelays(),
		},
		Conflict: Conflict{
			Strategy:      conflict.StrategyLastWriteWins,
			TiePreference: models.OriginRemote,
			LogSize:       conflict.DefaultLogSize,
		},
		Origin: Origin{
			TTL:             time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Local: Local{Driver: "memory"},
		Remote: Remote{
			Driver:         "memory",
			Namespace:      "surrealsync",
			Database:       "surrealsync",
			PollInterval:   500 * time.Millisecond,
			ChangeBatch:    1000,
			HealthInterval: 5 * time.Second,
		},
		Persistence: Persistence{Kind: "none", Format: string(persist.FormatJSON)},
		ResumeToken: ResumeToken{Kind: "memory"},
		Admin:       Admin{StreamInterval: 2 * time.Second},
		Log:         Log{Level: "info"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.Parse(data); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Durations are strings such as "1s".
func (cfg *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type envReader struct {
	errs []error
}

func (r *envReader) setString(key string, dst *string) {
	*dst = getEnv(key, *dst)
}

func (r *envReader) setList(key string, dst *[]string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = splitList(v)
	}
}

func (r *envReader) setBool(key string, dst *bool) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = b
}

func (r *envReader) setInt(key string, dst *int) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = d
}

func (r *envReader) setDurations(key string, dst *[]time.Duration) {
	parts := splitList(getEnv(key, ""))
	if len(parts) == 0 {
		return
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		out = append(out, d)
	}
	*dst = out
}

// ApplyEnv overrides cfg with SURREALSYNC_* variables. Lists are comma
// separated; an empty list variable clears the list.
func (cfg *Config) ApplyEnv() error {
	r := &envReader{}

	r.setString("INSTANCE_ID", &cfg.InstanceID)

	r.setBool("OUTBOUND_ENABLED", &cfg.Outbound.Enabled)
	r.setDuration("OUTBOUND_WORKER_INTERVAL", &cfg.Outbound.WorkerInterval)
	r.setInt("OUTBOUND_MAX_QUEUE_SIZE", &cfg.Outbound.MaxQueueSize)
	r.setInt("OUTBOUND_MAX_RETRIES", &cfg.Outbound.MaxRetries)
	r.setDurations("OUTBOUND_RETRY_DELAYS", &cfg.Outbound.RetryDelays)
	r.setList("OUTBOUND_EXCLUDED_COLLECTIONS", &cfg.Outbound.ExcludedCollections)

	r.setBool("INBOUND_ENABLED", &cfg.Inbound.Enabled)
	r.setInt("INBOUND_BATCH_SIZE", &cfg.Inbound.BatchSize)
	r.setDuration("INBOUND_BATCH_TIMEOUT", &cfg.Inbound.BatchTimeout)
	r.setDuration("INBOUND_RECONNECT_INTERVAL", &cfg.Inbound.ReconnectInterval)
	r.setInt("INBOUND_MAX_RECONNECT_ATTEMPTS", &cfg.Inbound.MaxReconnectAttempts)
	r.setInt("INBOUND_MAX_RETRIES", &cfg.Inbound.MaxRetries)
	r.setDurations("INBOUND_RETRY_DELAYS", &cfg.Inbound.RetryDelays)
	r.setList("INBOUND_EXCLUDED_COLLECTIONS", &cfg.Inbound.ExcludedCollections)

	r.setString("CONFLICT_STRATEGY", &cfg.Conflict.Strategy)
	tie := string(cfg.Conflict.TiePreference)
	r.setString("CONFLICT_TIE_PREFERENCE", &tie)
	cfg.Conflict.TiePreference = models.Origin(tie)

	r.setDuration("ORIGIN_TTL", &cfg.Origin.TTL)

	r.setString("LOCAL_DRIVER", &cfg.Local.Driver)
	r.setString("LOCAL_DSN", &cfg.Local.DSN)

	r.setString("REMOTE_DRIVER", &cfg.Remote.Driver)
	r.setString("REMOTE_ENDPOINT", &cfg.Remote.Endpoint)
	r.setString("REMOTE_NAMESPACE", &cfg.Remote.Namespace)
	r.setString("REMOTE_DATABASE", &cfg.Remote.Database)
	r.setString("REMOTE_USERNAME", &cfg.Remote.Username)
	r.setString("REMOTE_PASSWORD", &cfg.Remote.Password)
	r.setList("REMOTE_TABLES", &cfg.Remote.Tables)
	r.setDuration("REMOTE_POLL_INTERVAL", &cfg.Remote.PollInterval)

	r.setString("PERSISTENCE_KIND", &cfg.Persistence.Kind)
	r.setString("PERSISTENCE_PATH", &cfg.Persistence.Path)
	r.setString("PERSISTENCE_FORMAT", &cfg.Persistence.Format)
	r.setBool("PERSISTENCE_COMPRESS", &cfg.Persistence.Compress)
	r.setString("S3_BUCKET", &cfg.Persistence.S3.Bucket)
	r.setString("S3_REGION", &cfg.Persistence.S3.Region)
	r.setString("S3_ENDPOINT", &cfg.Persistence.S3.Endpoint)
	r.setString("S3_KEY", &cfg.Persistence.S3.Key)
	r.setString("S3_ACCESS_KEY_ID", &cfg.Persistence.S3.AccessKeyID)
	r.setString("S3_SECRET_ACCESS_KEY", &cfg.Persistence.S3.SecretAccessKey)

	r.setString("RESUME_TOKEN_KIND", &cfg.ResumeToken.Kind)
	r.setString("RESUME_TOKEN_PATH", &cfg.ResumeToken.Path)

	r.setString("SCHEMA_PATH", &cfg.Schema.Path)
	r.setString("ADMIN_LISTEN", &cfg.Admin.Listen)
	r.setString("LOG_LEVEL", &cfg.Log.Level)
	r.setString("LOG_PATH", &cfg.Log.Path)

	return errors.Join(r.errs...)
}

// Validate reports every problem at once, each wrapping ErrInvalid.
func (cfg *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if cfg.Outbound.MaxQueueSize <= 0 {
		fail("outbound.maxQueueSize must be positive")
	}
	if cfg.Outbound.WorkerInterval <= 0 {
		fail("outbound.workerInterval must be positive")
	}
	if cfg.Outbound.MaxRetries < 0 || cfg.Inbound.MaxRetries < 0 {
		fail("maxRetries must not be negative")
	}
	for _, d := range append(append([]time.Duration(nil), cfg.Outbound.RetryDelays...), cfg.Inbound.RetryDelays...) {
		if d < 0 {
			fail("retry delays must not be negative")
			break
		}
	}
	if cfg.Inbound.BatchSize <= 0 {
		fail("inbound.batchSize must be positive")
	}
	if cfg.Inbound.BatchTimeout <= 0 {
		fail("inbound.batchTimeout must be positive")
	}
	if cfg.Inbound.ReconnectInterval <= 0 {
		fail("inbound.reconnectInterval must be positive")
	}
	if cfg.Inbound.MaxReconnectAttempts <= 0 {
		fail("inbound.maxReconnectAttempts must be positive")
	}

	if err := conflict.ValidateStrategy(cfg.Conflict.Strategy); err != nil {
		fail("conflict.strategy: %v", err)
	}
	switch cfg.Conflict.TiePreference {
	case models.OriginLocal, models.OriginRemote:
	default:
		fail("conflict.tiePreference must be local or remote, got %q", cfg.Conflict.TiePreference)
	}
	if cfg.Origin.TTL <= 0 {
		fail("origin.ttl must be positive")
	}

	switch cfg.Local.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Local.DSN == "" {
			fail("local.dsn is required for the %s driver", cfg.Local.Driver)
		}
	default:
		fail("unknown local.driver %q", cfg.Local.Driver)
	}

	switch cfg.Remote.Driver {
	case "memory":
	case "surrealdb":
		if cfg.Remote.Endpoint == "" {
			fail("remote.endpoint is required for the surrealdb driver")
		}
		if cfg.Remote.Namespace == "" || cfg.Remote.Database == "" {
			fail("remote.namespace and remote.database are required")
		}
	default:
		fail("unknown remote.driver %q", cfg.Remote.Driver)
	}

	switch cfg.Persistence.Kind {
	case "", "none":
	case "file":
		if cfg.Persistence.Path == "" {
			fail("persistence.path is required for file persistence")
		}
	case "s3":
		if cfg.Persistence.S3.Bucket == "" {
			fail("persistence.s3.bucket is required for s3 persistence")
		}
	default:
		fail("unknown persistence.kind %q", cfg.Persistence.Kind)
	}
	if _, err := persist.ParseFormat(cfg.Persistence.Format); err != nil {
		fail("persistence.format: %v", err)
	}

	switch cfg.ResumeToken.Kind {
	case "", "memory":
	case "file":
		if cfg.ResumeToken.Path == "" {
			fail("resumeToken.path is required for file tokens")
		}
	case "sqlite":
		if cfg.ResumeToken.Path == "" && cfg.Local.Driver != "sqlite" {
			fail("resumeToken.path is required unless the local driver is sqlite")
		}
	default:
		fail("unknown resumeToken.kind %q", cfg.ResumeToken.Kind)
	}

	return errors.Join(errs...)
}

// Package config loads trustsync configuration.
//
// A config file is YAML. It is first checked against an embedded CUE schema,
// then decoded strictly (unknown fields are rejected) over the defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Defaults.
const (
	DefaultDatabase                = "trustsync.db"
	DefaultContainer               = "com.apple.security.keychain"
	DefaultEscrowCacheTTL          = 10 * time.Minute
	DefaultCloudRecheckRetryDelay  = 5 * time.Second
	DefaultTimeoutWaitForCKAccount = 10 * time.Second
	DefaultOperationTimeout        = 60 * time.Second
	DefaultFetchRetries            = 3
	DefaultFetchRetryInterval      = 500 * time.Millisecond
	DefaultLogLevel                = "info"
)

// Duration is a time.Duration written as a Go duration string ("10m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the runtime configuration of a trustsync process.
type Config struct {
	// Database is the path of the SQLite metadata and key database.
	Database string `yaml:"database"`

	// Container holds the trust contexts that simulate creates and
	// metadata lists.
	Container string `yaml:"container"`

	EscrowCacheTTL          Duration `yaml:"escrow_cache_ttl"`
	CloudRecheckRetryDelay  Duration `yaml:"cloud_recheck_retry_delay"`
	TimeoutWaitForCKAccount Duration `yaml:"timeout_wait_for_ck_account"`
	OperationTimeout        Duration `yaml:"operation_timeout"`

	// FetchRetries and FetchRetryInterval bound retries of transient
	// backend errors.
	FetchRetries       uint64   `yaml:"fetch_retries"`
	FetchRetryInterval Duration `yaml:"fetch_retry_interval"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database:                DefaultDatabase,
		Container:               DefaultContainer,
		EscrowCacheTTL:          Duration(DefaultEscrowCacheTTL),
		CloudRecheckRetryDelay:  Duration(DefaultCloudRecheckRetryDelay),
		TimeoutWaitForCKAccount: Duration(DefaultTimeoutWaitForCKAccount),
		OperationTimeout:        Duration(DefaultOperationTimeout),
		FetchRetries:            DefaultFetchRetries,
		FetchRetryInterval:      Duration(DefaultFetchRetryInterval),
		LogLevel:                DefaultLogLevel,
	}
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over the defaults.
// An empty document yields the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := checkSchema(data); err != nil {
		return Config{}, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints the schema cannot express.
func (c Config) Validate() error {
	for name, d := range map[string]Duration{
		"escrow_cache_ttl":            c.EscrowCacheTTL,
		"cloud_recheck_retry_delay":   c.CloudRecheckRetryDelay,
		"timeout_wait_for_ck_account": c.TimeoutWaitForCKAccount,
		"operation_timeout":           c.OperationTimeout,
		"fetch_retry_interval":        c.FetchRetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// checkSchema unifies the YAML document with #Config.
func checkSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

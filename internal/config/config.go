// Package config loads medley configuration from defaults, an optional YAML
// file and MEDLEY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/logging"
	"github.com/jacentio/medley/notify"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MEDLEY_"

	// PathEnvVar names a config file when --config is not given.
	PathEnvVar = "MEDLEY_CONFIG"

	// DefaultPath is read when present and no other file is named.
	DefaultPath = "medley.yaml"
)

// Config is the full medley configuration.
type Config struct {
	Store   StoreConfig         `koanf:"store"`
	Sources map[string][]string `koanf:"sources"`
	Import  ImportConfig        `koanf:"import"`
	Notify  NotifyConfig        `koanf:"notify"`
	Logging logging.Config      `koanf:"logging"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Backend  string         `koanf:"backend" validate:"oneof=dynamodb badger"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Badger   BadgerConfig   `koanf:"badger"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region      string  `koanf:"region"`
	Endpoint    string  `koanf:"endpoint" validate:"omitempty,url"`
	ItemsTable  string  `koanf:"items_table" validate:"required"`
	LookupTable string  `koanf:"lookup_table" validate:"required"`
	TypeIndex   string  `koanf:"type_index" validate:"required"`
	WriteRate   float64 `koanf:"write_rate" validate:"gte=0"`
	WriteBurst  int     `koanf:"write_burst" validate:"gte=1"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// ImportConfig tunes library imports.
type ImportConfig struct {
	// Chunk is the number of items added to a transaction between
	// cancellation checks.
	Chunk int `koanf:"chunk" validate:"gte=1,lte=10000"`
}

// NotifyConfig selects the notification transport.
type NotifyConfig struct {
	Backend string        `koanf:"backend" validate:"oneof=none channel nats"`
	NATSURL string        `koanf:"nats_url"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the publisher.
type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures" validate:"gte=1"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "badger",
			DynamoDB: DynamoDBConfig{
				ItemsTable:  "medley_items",
				LookupTable: "medley_lookup",
				TypeIndex:   "type-index",
				WriteBurst:  1,
			},
			Badger: BadgerConfig{Path: "medley-data"},
		},
		Import: ImportConfig{Chunk: 50},
		Notify: NotifyConfig{
			Backend: "channel",
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		},
		Logging: logging.DefaultConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load layers defaults, the config file at path (or MEDLEY_CONFIG, or
// medley.yaml if present) and environment overrides, then validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path = findConfigFile(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envToPath), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSourceLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// sections lists nested config prefixes, longest first, so that
// MEDLEY_STORE_DYNAMODB_ITEMS_TABLE maps to store.dynamodb.items_table.
var sections = []string{
	"store_dynamodb_",
	"store_badger_",
	"notify_breaker_",
	"sources_",
	"store_",
	"notify_",
	"import_",
	"logging_",
}

func envToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s); ok && rest != "" {
			return strings.ReplaceAll(strings.TrimSuffix(s, "_"), "_", ".") + "." + rest
		}
	}
	return key
}

// splitSourceLists turns comma-separated env values under sources.* into
// key field lists.
func splitSourceLists(k *koanf.Koanf) error {
	for _, path := range k.Keys() {
		if !strings.HasPrefix(path, "sources.") {
			continue
		}
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var fields []string
		for _, f := range strings.Split(s, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if err := k.Set(path, fields); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	if c.Store.Backend == "badger" && !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
		errs = append(errs, errors.New("store.badger.path is required unless in_memory is set"))
	}
	if c.Notify.Backend == "nats" && c.Notify.NATSURL == "" {
		errs = append(errs, errors.New("notify.nats_url is required for the nats backend"))
	}
	for _, src := range c.sourceNames() {
		if src == entity.ItemSource || strings.Contains(src, ".") {
			errs = append(errs, fmt.Errorf("sources.%s: invalid source name", src))
		}
		if len(c.Sources[src]) == 0 {
			errs = append(errs, fmt.Errorf("sources.%s: at least one key field is required", src))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) sourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeySchemas returns the configured key fields per source.
func (c *Config) KeySchemas() entity.KeySchemas {
	out := make(entity.KeySchemas, len(c.Sources))
	for src, fields := range c.Sources {
		out[src] = append([]string(nil), fields...)
	}
	return out
}

// Transport converts c to the notify package's configuration.
func (c NotifyConfig) Transport() notify.Config {
	return notify.Config{
		Backend: c.Backend,
		NATSURL: c.NATSURL,
		Breaker: notify.BreakerConfig{
			MaxFailures: c.Breaker.MaxFailures,
			Timeout:     c.Breaker.Timeout,
		},
	}
}

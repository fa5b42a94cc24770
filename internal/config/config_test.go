package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "badger" || cfg.Import.Chunk != 50 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Notify.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected 30s breaker timeout, got %v", cfg.Notify.Breaker.Timeout)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	body := `
store:
  backend: dynamodb
  dynamodb:
    items_table: from_file
    region: eu-west-1
sources:
  alpha: [id]
import:
  chunk: 20
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEDLEY_STORE_DYNAMODB_ITEMS_TABLE", "from_env")
	t.Setenv("MEDLEY_SOURCES_BETA", "isrc, upc")
	t.Setenv("MEDLEY_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "dynamodb" || cfg.Store.DynamoDB.Region != "eu-west-1" {
		t.Errorf("expected file values, got %+v", cfg.Store)
	}
	if cfg.Store.DynamoDB.ItemsTable != "from_env" {
		t.Errorf("expected env override, got %q", cfg.Store.DynamoDB.ItemsTable)
	}
	if cfg.Store.DynamoDB.LookupTable != "medley_lookup" {
		t.Errorf("expected default lookup table, got %q", cfg.Store.DynamoDB.LookupTable)
	}
	if cfg.Import.Chunk != 20 || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected import/logging %+v %+v", cfg.Import, cfg.Logging)
	}

	schemas := cfg.KeySchemas()
	if len(schemas["alpha"]) != 1 || strings.Join(schemas["beta"], ",") != "isrc,upc" {
		t.Errorf("unexpected key schemas %v", schemas)
	}
}

func TestEnvToPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"MEDLEY_STORE_BACKEND", "store.backend"},
		{"MEDLEY_STORE_DYNAMODB_WRITE_RATE", "store.dynamodb.write_rate"},
		{"MEDLEY_STORE_BADGER_IN_MEMORY", "store.badger.in_memory"},
		{"MEDLEY_NOTIFY_BREAKER_MAX_FAILURES", "notify.breaker.max_failures"},
		{"MEDLEY_NOTIFY_NATS_URL", "notify.nats_url"},
		{"MEDLEY_SOURCES_ALPHA", "sources.alpha"},
		{"MEDLEY_CONFIG", ""},
	}
	for _, tt := range tests {
		if got := envToPath(tt.in); got != tt.want {
			t.Errorf("envToPath(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }, "Backend"},
		{"chunk zero", func(c *Config) { c.Import.Chunk = 0 }, "Chunk"},
		{"nats without url", func(c *Config) { c.Notify.Backend = "nats" }, "nats_url"},
		{"badger without path", func(c *Config) { c.Store.Badger.Path = "" }, "badger.path"},
		{"reserved source", func(c *Config) { c.Sources = map[string][]string{"item": {"slug"}} }, "invalid source"},
		{"empty schema", func(c *Config) { c.Sources = map[string][]string{"alpha": nil} }, "key field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestNotifyConfig_Transport(t *testing.T) {
	c := NotifyConfig{
		Backend: "nats",
		NATSURL: "nats://localhost:4222",
		Breaker: BreakerConfig{MaxFailures: 3, Timeout: time.Minute},
	}
	got := c.Transport()
	if got.Backend != "nats" || got.NATSURL != c.NATSURL {
		t.Errorf("expected backend and url to carry over, got %+v", got)
	}
	if got.Breaker.MaxFailures != 3 || got.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker to carry over, got %+v", got.Breaker)
	}
}

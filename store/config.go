package store

// Config holds configuration for the DynamoDB backend.
type Config struct {
	// ItemsTable holds one item per document, keyed by "_id".
	// Default: "medley_items"
	ItemsTable string

	// LookupTable holds index entries (pk = entry key, id = document id).
	// Default: "medley_lookup"
	LookupTable string

	// TypeIndex is the GSI on the items table keyed by "type".
	// Default: "type-index"
	TypeIndex string

	// WriteRate caps document writes per second. Zero disables throttling.
	WriteRate float64

	// WriteBurst is the limiter burst when WriteRate is set.
	// Default: 1
	WriteBurst int
}

// DefaultConfig returns the default table layout.
func DefaultConfig() Config {
	return Config{
		ItemsTable:  "medley_items",
		LookupTable: "medley_lookup",
		TypeIndex:   "type-index",
		WriteBurst:  1,
	}
}

// validate fills missing values with defaults and clamps the rest.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.ItemsTable == "" {
		c.ItemsTable = def.ItemsTable
	}
	if c.LookupTable == "" {
		c.LookupTable = def.LookupTable
	}
	if c.TypeIndex == "" {
		c.TypeIndex = def.TypeIndex
	}
	if c.WriteRate < 0 {
		c.WriteRate = 0
	}
	if c.WriteBurst < 1 {
		c.WriteBurst = 1
	}
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory; used by tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

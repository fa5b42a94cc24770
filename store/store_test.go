package store

import (
	"testing"
)

func TestDocumentLookup(t *testing.T) {
	doc := Document{
		"type": "track",
		"keys": map[string]any{
			"alpha": map[string]any{"id": "t1", "n": float64(42)},
		},
	}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"type", "track", true},
		{"keys.alpha.id", "t1", true},
		{"keys.alpha.n", "42", true},
		{"keys.beta.id", "", false},
		{"keys.alpha", "", false},
		{"type.x", "", false},
	}
	for _, tt := range tests {
		got, ok := doc.Lookup(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Lookup(%q): expected (%q, %v), got (%q, %v)", tt.path, tt.want, tt.ok, got, ok)
		}
	}
}

func TestSelectorMatches(t *testing.T) {
	doc := Document{"type": "album", "keys": map[string]any{"item": map[string]any{"slug": "blur:parklife"}}}

	if !(Selector{"type": Eq("album")}).Matches(doc) {
		t.Error("expected type match")
	}
	if !(Selector{"keys.item.slug": In("x", "blur:parklife")}).Matches(doc) {
		t.Error("expected $in match")
	}
	if (Selector{"type": Eq("album"), "keys.alpha.id": Eq("1")}).Matches(doc) {
		t.Error("expected missing field to fail")
	}
}

func TestNewIndex_SortsFields(t *testing.T) {
	idx := NewIndex("type", "keys.alpha.id")
	if idx.Name != "keys.alpha.id+type" {
		t.Errorf("expected sorted name, got %q", idx.Name)
	}
}

func TestPlanQuery(t *testing.T) {
	slug := NewIndex("type", "keys.item.slug")
	alpha := NewIndex("type", "keys.alpha.id")
	indexes := map[string]Index{slug.Name: slug, alpha.Name: alpha}
	key := func(idx Index, vals []string) string { return idx.Name + "=" + joinValues(vals) }

	t.Run("id lookup wins", func(t *testing.T) {
		p := planQuery(Selector{"_id": In("a", "b"), "type": Eq("track")}, indexes, key)
		if len(p.ids) != 2 {
			t.Errorf("expected id plan, got %+v", p)
		}
	})

	t.Run("covered index expands $in", func(t *testing.T) {
		p := planQuery(Selector{"type": Eq("track"), "keys.alpha.id": In("1", "2")}, indexes, key)
		if p.index == nil || p.index.Name != alpha.Name {
			t.Fatalf("expected alpha index, got %+v", p)
		}
		if len(p.keys) != 2 {
			t.Errorf("expected 2 probes, got %v", p.keys)
		}
	})

	t.Run("type fallback", func(t *testing.T) {
		p := planQuery(Selector{"type": Eq("track"), "keys.beta.id": Eq("1")}, indexes, key)
		if p.index != nil || p.typ != "track" {
			t.Errorf("expected type plan, got %+v", p)
		}
	})

	t.Run("scan", func(t *testing.T) {
		p := planQuery(Selector{"keys.beta.id": Eq("1")}, indexes, key)
		if p.index != nil || p.typ != "" || p.ids != nil {
			t.Errorf("expected scan plan, got %+v", p)
		}
	})
}

func joinValues(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{WriteRate: -5}
	cfg.validate()

	def := DefaultConfig()
	if cfg.ItemsTable != def.ItemsTable || cfg.LookupTable != def.LookupTable || cfg.TypeIndex != def.TypeIndex {
		t.Errorf("expected default tables, got %+v", cfg)
	}
	if cfg.WriteRate != 0 {
		t.Errorf("expected negative rate clamped to 0, got %v", cfg.WriteRate)
	}
	if cfg.WriteBurst != 1 {
		t.Errorf("expected burst 1, got %d", cfg.WriteBurst)
	}
}

func TestConfigValidate_PreservesCustomTableNames(t *testing.T) {
	cfg := Config{ItemsTable: "items", LookupTable: "lookup", TypeIndex: "by-type", WriteBurst: 10}
	cfg.validate()
	if cfg.ItemsTable != "items" || cfg.LookupTable != "lookup" || cfg.TypeIndex != "by-type" || cfg.WriteBurst != 10 {
		t.Errorf("expected custom values preserved, got %+v", cfg)
	}
}

func TestTableInputs(t *testing.T) {
	inputs := TableInputs(Config{ItemsTable: "items", LookupTable: "lookup"})
	if len(inputs) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(inputs))
	}
	items, lookup := inputs[0], inputs[1]
	if *items.TableName != "items" || *lookup.TableName != "lookup" {
		t.Errorf("unexpected table names %s, %s", *items.TableName, *lookup.TableName)
	}
	if len(items.GlobalSecondaryIndexes) != 1 || *items.GlobalSecondaryIndexes[0].IndexName != "type-index" {
		t.Errorf("expected default type index, got %+v", items.GlobalSecondaryIndexes)
	}
	if items.StreamSpecification == nil || !*items.StreamSpecification.StreamEnabled {
		t.Error("expected items table stream enabled")
	}
	if *items.KeySchema[0].AttributeName != FieldID {
		t.Errorf("expected items hash key %s, got %s", FieldID, *items.KeySchema[0].AttributeName)
	}
	if len(lookup.KeySchema) != 2 {
		t.Errorf("expected composite lookup key, got %d elements", len(lookup.KeySchema))
	}
}

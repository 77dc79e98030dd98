package keys

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apikeys.json")
	doc := `{
  "frontdesk": {"type": "restricted"},
  "plumber": {"type": "once", "from": "01.02.2025", "till": "28.02.2025"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", reg.Len())
	}
	key, ok := reg.Lookup("plumber")
	if !ok || key.ID != "plumber" || key.Kind != KindOnce || key.Till != "28.02.2025" {
		t.Fatalf("unexpected key %+v", key)
	}
	from, till, err := key.DateRange(time.UTC)
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	if from.Day() != 1 || till.Day() != 28 || till.Month() != time.February {
		t.Fatalf("unexpected range %v - %v", from, till)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apikeys.yaml")
	doc := "boss:\n  type: master\ncleaner:\n  type: limited\n  from: 01.01.2025\n  till: 31.12.2025\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key, ok := reg.Lookup("boss"); !ok || key.Kind != KindMaster {
		t.Fatalf("unexpected boss key %+v", key)
	}
	if key, ok := reg.Lookup("cleaner"); !ok || key.From != "01.01.2025" {
		t.Fatalf("unexpected cleaner key %+v", key)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("{not json"), ".json"); err == nil {
		t.Fatal("expected json error")
	}
	reg, err := Parse([]byte("   "), ".json")
	if err != nil || reg.Len() != 0 {
		t.Fatalf("empty document should give empty registry, got %v / %v", reg, err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRegistryMarshalRoundTrip(t *testing.T) {
	reg := EmptyRegistry().With(AccessKey{ID: "k1", Kind: KindLimited, From: "01.01.2025", Till: "02.01.2025"})
	for _, ext := range []string{".json", ".yaml"} {
		data, err := reg.Marshal(ext)
		if err != nil {
			t.Fatalf("marshal %s: %v", ext, err)
		}
		back, err := Parse(data, ext)
		if err != nil {
			t.Fatalf("parse %s: %v", ext, err)
		}
		if key, ok := back.Lookup("k1"); !ok || key.Till != "02.01.2025" {
			t.Fatalf("%s round trip lost data: %+v", ext, key)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Once "); err != nil || k != KindOnce {
		t.Fatalf("ParseKind: %v %v", k, err)
	}
	if _, err := ParseKind("admin"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

package storage_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/doord/internal/storage"
	"pkt.systems/doord/internal/storage/memory"
)

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"state.json", "usedkeys.json", "a-b_c.1"} {
		if err := storage.ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q): %v", key, err)
		}
	}
	for _, key := range []string{"", ".", "..", "../etc/passwd", "a/b", "sp ace"} {
		if err := storage.ValidateKey(key); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestJSONRoundTripThroughBackend(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	type doc struct {
		LastOpen string `json:"last_open"`
	}
	if _, err := storage.WriteJSON(ctx, backend, "state.json", doc{LastOpen: "1700000000.000000"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got doc
	if err := storage.ReadJSON(ctx, backend, "state.json", &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.LastOpen != "1700000000.000000" {
		t.Fatalf("unexpected document %+v", got)
	}
	if err := storage.ReadJSON(ctx, backend, "missing.json", &got); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/doord/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutObjectWritesFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.PutObject(ctx, "state.json", strings.NewReader(`{"last_open":"1"}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Root(), "state.json"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"last_open":"1"}` {
		t.Fatalf("unexpected file contents %q", data)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), ".tmp"))
	if err != nil {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestOverwriteAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first, err := store.PutObject(ctx, "usedkeys.json", strings.NewReader(`{}`), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := store.PutObject(ctx, "usedkeys.json", strings.NewReader(`{"abc":"1700000000"}`), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.ETag == second.ETag {
		t.Fatal("expected etag to change after overwrite")
	}
	obj, err := store.GetObject(ctx, "usedkeys.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Reader.Close()
	data, _ := io.ReadAll(obj.Reader)
	if string(data) != `{"abc":"1700000000"}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if obj.Info.ETag != second.ETag {
		t.Fatalf("etag mismatch: %s vs %s", obj.Info.ETag, second.ETag)
	}
}

func TestMissingAndInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.GetObject(ctx, "state.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetObject(ctx, "../state.json"); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

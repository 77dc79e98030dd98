package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/doord/internal/storage"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := New()
	info, err := store.PutObject(ctx, "usedkeys.json", strings.NewReader(`{"k":"1"}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 9 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	obj, err := store.GetObject(ctx, "usedkeys.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(obj.Reader)
	obj.Reader.Close()
	if string(data) != `{"k":"1"}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if obj.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected content type %q", obj.Info.ContentType)
	}
	if _, err := store.GetObject(ctx, "state.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsInvalidKeys(t *testing.T) {
	store := New()
	if _, err := store.PutObject(context.Background(), "../x", strings.NewReader("x"), storage.PutObjectOptions{}); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

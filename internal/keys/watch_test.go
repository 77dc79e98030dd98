package keys

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFilesReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apikeys.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed := make(chan struct{}, 4)
	w, err := WatchFiles([]string{path}, 20*time.Millisecond, nil, func() {
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}
	select {
	case <-changed:
		t.Fatal("unexpected change for unrelated file")
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"k":{"type":"master"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification")
	}
}

func TestWatchFilesRequiresPaths(t *testing.T) {
	if _, err := WatchFiles(nil, 0, nil, func() {}); err == nil {
		t.Fatal("expected error without paths")
	}
}

// Package disk stores doord documents as plain files below a root
// directory. Writes go through a temp file, fsync and rename so a crash never
// leaves a half written document behind.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/storage"
	"pkt.systems/doord/internal/svcfields"
)

// Config configures the disk backend.
type Config struct {
	Root string
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root   string
	tmpDir string
}

// New prepares root (and its temp directory) and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare %s: %w", root, err)
	}
	return &Store{root: root, tmpDir: tmpDir}, nil
}

// Root returns the directory documents are stored in.
func (s *Store) Root() string { return s.root }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.WithSubsystem(pslog.LoggerFromContext(ctx), "storage.disk")
}

// GetObject opens the file stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	path := filepath.Join(s.root, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: read %s: %w", key, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return storage.GetObjectResult{}, fmt.Errorf("disk: stat %s: %w", key, err)
	}
	s.logger(ctx).Trace("disk.get_object.success", "key", key, "size", len(data))
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(data)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         etag(data),
			Size:         int64(len(data)),
			LastModified: st.ModTime().UTC(),
			ContentType:  storage.ContentTypeJSON,
		},
	}, nil
}

// PutObject atomically replaces the file stored under key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read body: %w", err)
	}
	dest := filepath.Join(s.root, key)
	if err := s.writeBytesAtomic(dest, data, key); err != nil {
		s.logger(ctx).Warn("disk.put_object.error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: write %s: %w", key, err)
	}
	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("disk: stat %s: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	s.logger(ctx).Trace("disk.put_object.success", "key", key, "size", len(data))
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag(data),
		Size:         int64(len(data)),
		LastModified: st.ModTime().UTC(),
		ContentType:  contentType,
	}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) writeBytesAtomic(dest string, payload []byte, prefix string) error {
	tmp, err := os.CreateTemp(s.tmpDir, "doord-"+prefix+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func etag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

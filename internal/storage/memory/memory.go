// Package memory provides an in-process storage.Backend for tests and
// development. Nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"pkt.systems/doord/internal/storage"
)

type object struct {
	data []byte
	info storage.ObjectInfo
}

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object), now: time.Now}
}

// GetObject returns a copy of the object stored under key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := obj.info
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(obj.data)),
		Info:   &info,
	}, nil
}

// PutObject replaces the object stored under key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(sum[:16]),
		Size:         int64(len(data)),
		LastModified: s.now().UTC(),
		ContentType:  opts.ContentType,
	}
	s.mu.Lock()
	s.objects[key] = object{data: data, info: info}
	s.mu.Unlock()
	return &info, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Package storage defines the small object store doord persists its
// documents in (runtime state and consumed one-time keys).
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ContentTypeJSON is the content type of every document doord writes.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidKey indicates an object key that cannot be stored.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls object writes.
type PutObjectOptions struct {
	ContentType string
}

// GetObjectResult holds an object reader and its metadata. Callers must
// close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is implemented by every persistence driver.
type Backend interface {
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	Close() error
}

// ReadJSON decodes the object stored under key into v. It returns
// ErrNotFound when the object does not exist.
func ReadJSON(ctx context.Context, backend Backend, key string, v any) error {
	obj, err := backend.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer obj.Reader.Close()
	if err := json.NewDecoder(obj.Reader).Decode(v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

// WriteJSON encodes v and stores it under key.
func WriteJSON(ctx context.Context, backend Backend, key string, v any) (*ObjectInfo, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return backend.PutObject(ctx, key, bytes.NewReader(payload), PutObjectOptions{ContentType: ContentTypeJSON})
}

// ValidateKey rejects keys that would escape a backend's namespace.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Package redis stores doord documents as Redis string values.
package redis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/doord/internal/storage"
)

// DefaultKeyPrefix namespaces every key written by doord.
const DefaultKeyPrefix = "doord:"

// Config configures the Redis backend.
type Config struct {
	// Client is the Redis client instance; required.
	Client *goredis.Client
	// KeyPrefix is prepended to every object key (default "doord:").
	KeyPrefix string
}

// Store implements storage.Backend on top of Redis.
type Store struct {
	client    *goredis.Client
	keyPrefix string
}

type storedItem struct {
	Data        []byte    `json:"data"`
	ContentType string    `json:"content_type,omitempty"`
	Modified    time.Time `json:"modified"`
}

// New wraps an existing client.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Open parses a redis:// or rediss:// URL and connects. A "prefix" query
// parameter overrides the key prefix.
func Open(ctx context.Context, rawURL, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return New(Config{Client: client, KeyPrefix: prefix})
}

func (s *Store) buildKey(key string) string {
	return s.keyPrefix + key
}

// GetObject loads the value stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	raw, err := s.client.Get(ctx, s.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("redis: get %s: %w", key, err)
	}
	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return storage.GetObjectResult{}, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(item.Data)),
		Info:   item.info(key),
	}, nil
}

// PutObject replaces the value stored under key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("redis: read body: %w", err)
	}
	item := storedItem{Data: data, ContentType: opts.ContentType, Modified: time.Now().UTC()}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("redis: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.buildKey(key), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis: set %s: %w", key, err)
	}
	return item.info(key), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (i storedItem) info(key string) *storage.ObjectInfo {
	sum := sha256.Sum256(i.Data)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(sum[:16]),
		Size:         int64(len(i.Data)),
		LastModified: i.Modified,
		ContentType:  i.ContentType,
	}
}

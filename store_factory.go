package doord

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/storage"
	"pkt.systems/doord/internal/storage/disk"
	"pkt.systems/doord/internal/storage/memory"
	redisstore "pkt.systems/doord/internal/storage/redis"
	"pkt.systems/doord/internal/storage/s3"
)

const storeConnectTimeout = 10 * time.Second

// OpenBackend opens the storage backend named by cfg.Store.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		logger.Warn("storage.memory.volatile", "detail", "door state and consumed keys are lost on restart")
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		if err := backend.Ping(pingCtx); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "redis", "rediss":
		target, prefix, err := BuildRedisTarget(cfg)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		return redisstore.Open(dialCtx, target, prefix)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/doord)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs. Query
// parameters: insecure, path-style, region.
func BuildS3Config(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	query := u.Query()
	insecure, err := boolParam(query, "insecure")
	if err != nil {
		return s3.Config{}, err
	}
	pathStyle, err := boolParam(query, "path-style")
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
	}, nil
}

// BuildRedisTarget splits the doord-specific prefix parameter off a redis URL.
// The remaining URL is handed to the Redis client unchanged.
func BuildRedisTarget(cfg Config) (string, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return "", "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return "", "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("redis store missing host (expected redis://host:port/db)")
	}
	query := u.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	u.RawQuery = query.Encode()
	return u.String(), prefix, nil
}

func boolParam(query url.Values, name string) (bool, error) {
	raw := query.Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("store parameter %s: %w", name, err)
	}
	return v, nil
}

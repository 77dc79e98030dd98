package doord

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/storage/disk"
	"pkt.systems/doord/internal/storage/memory"
)

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/doord/"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Root != "/var/lib/doord" {
		t.Fatalf("unexpected root %q", cfg.Root)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for missing path")
	}
	if _, err := BuildDiskConfig(Config{Store: "mem://"}); err == nil {
		t.Fatalf("expected error for wrong scheme")
	}
}

func TestBuildS3Config(t *testing.T) {
	cfg, err := BuildS3Config(Config{Store: "s3://minio.local:9000/door-bucket/site/a?insecure=true&path-style=1&region=eu-north-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Endpoint != "minio.local:9000" || cfg.Bucket != "door-bucket" || cfg.Prefix != "site/a" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle || cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	for _, bad := range []string{"s3:///bucket", "s3://host", "s3://host/bucket?insecure=maybe"} {
		if _, err := BuildS3Config(Config{Store: bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBuildRedisTarget(t *testing.T) {
	target, prefix, err := BuildRedisTarget(Config{Store: "redis://localhost:6379/2?prefix=door&dial_timeout=3s"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if prefix != "door" {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	if target != "redis://localhost:6379/2?dial_timeout=3s" {
		t.Fatalf("unexpected target %q", target)
	}
	if _, _, err := BuildRedisTarget(Config{Store: "redis:///0"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestOpenBackendMemoryAndDisk(t *testing.T) {
	ctx := context.Background()
	logger := pslog.NoopLogger()
	backend, err := OpenBackend(ctx, Config{Store: "mem://"}, logger)
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", backend)
	}
	root := filepath.Join(t.TempDir(), "state")
	backend, err = OpenBackend(ctx, Config{Store: "disk://" + root}, logger)
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk store, got %T", backend)
	}
}

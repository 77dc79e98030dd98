package door

import (
	"bytes"
	"regexp"
	"testing"
	"time"
)

func TestNewSecretFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	secret, err := NewSecret(nil, now)
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{2}1700000000$`).MatchString(secret) {
		t.Fatalf("unexpected secret %q", secret)
	}
}

func TestNewSecretDiscardsBiasedBytes(t *testing.T) {
	src := bytes.NewReader([]byte{255, 0, 35, 7})
	secret, err := NewSecret(src, time.Unix(42, 0))
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if secret != "A942" {
		t.Fatalf("unexpected secret %q", secret)
	}
}

func TestNewSecretShortEntropy(t *testing.T) {
	if _, err := NewSecret(bytes.NewReader([]byte{1}), time.Unix(42, 0)); err == nil {
		t.Fatalf("expected error for exhausted entropy source")
	}
}

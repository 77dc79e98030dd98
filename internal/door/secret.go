package door

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"time"
)

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SecretPrefixLen is the number of random characters leading every secret.
const SecretPrefixLen = 2

// NewSecret builds an open secret: SecretPrefixLen characters drawn from
// [A-Z0-9] followed by the Unix seconds of now.
func NewSecret(src io.Reader, now time.Time) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, SecretPrefixLen)
	out := make([]byte, 0, SecretPrefixLen+12)
	// Bytes at or above limit are discarded so every character is equally likely.
	limit := byte(256 - 256%len(secretAlphabet))
	for len(out) < SecretPrefixLen {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("door: read secret entropy: %w", err)
		}
		for _, b := range buf {
			if b >= limit || len(out) == SecretPrefixLen {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
		}
	}
	return string(strconv.AppendInt(out, now.Unix(), 10)), nil
}

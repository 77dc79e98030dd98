package api

import (
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	ts := time.Unix(1700000000, 123456000)
	if got := FormatTimestamp(ts); got != "1700000000.123456" {
		t.Fatalf("unexpected timestamp %q", got)
	}
	if got := FormatTimestamp(time.Time{}); got != "" {
		t.Fatalf("zero time should format empty, got %q", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"1700000000.123456": time.Unix(1700000000, 123456000).UTC(),
		"1700000000.5":      time.Unix(1700000000, 500000000).UTC(),
		"1700000000":        time.Unix(1700000000, 0).UTC(),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: got %v want %v", in, got, want)
		}
	}
	for _, bad := range []string{"", "abc", "12.x"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

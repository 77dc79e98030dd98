package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"door"}, "door"},
		{[]string{"door", "", "timer"}, "door.timer"},
		{[]string{".api.", " http "}, "api.http"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemToleratesNilLogger(t *testing.T) {
	if WithSubsystem(nil, "door") == nil {
		t.Fatal("expected non-nil logger")
	}
	if EnsureLogger(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
}

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/keys"
	"pkt.systems/doord/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("DOORD_CONFIG_DIR", t.TempDir())
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root bool flag", args: []string{"--simulation"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"keys", "list"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "keys", "list"}, want: false},
		{name: "client subcommand after server flag", args: []string{"-s", "http://door:8080", "open", "abc"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "keys", "list"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandLong(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--long")
	if err != nil {
		t.Fatalf("version --long failed: %v", err)
	}
	var info version.Info
	if err := yaml.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != version.Current() || info.GoVersion == "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen failed: %v", err)
	}
	var cfg configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.DoorName != "Door" || cfg.OpenTimeout != 60 || cfg.Store != "mem://" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.GPIORing != 18 || cfg.GPIOOpen != 23 {
		t.Fatalf("unexpected pins %d/%d", cfg.GPIORing, cfg.GPIOOpen)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen failed: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatalf("expected error when the config file exists")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force failed: %v", err)
	}
}

func TestConfigShowPrintsEffectiveSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "door-name: Back\nopen-timeout: 90\nslack-webhook: https://hooks.example.com/T000/B000/XXXX\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var shown map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &shown); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	checks := map[string]string{
		"door.name":         "Back",
		"door.open.timeout": "90",
		"gpio.ring":         "18",
		"gpio.open":         "23",
		"slack.webhook":     "REDACTED",
	}
	for key, want := range checks {
		if got := fmt.Sprint(shown[key]); got != want {
			t.Fatalf("%s=%q want %q (output %q)", key, got, want, stdout)
		}
	}
	if _, ok := shown["door.open.secret"]; ok {
		t.Fatalf("runtime keys must not be shown: %q", stdout)
	}
}

func TestKeysGenAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apikeys.json")
	stdout, _, err := executeRootCommand(t, "keys", "gen", "--file", path, "--id", "frontdesk")
	if err != nil {
		t.Fatalf("keys gen failed: %v", err)
	}
	if strings.TrimSpace(stdout) != "frontdesk" {
		t.Fatalf("unexpected id output %q", stdout)
	}
	stdout, _, err = executeRootCommand(t, "keys", "gen", "--file", path, "--type", "once", "--from", "01.03.2026", "--till", "07.03.2026")
	if err != nil {
		t.Fatalf("keys gen once failed: %v", err)
	}
	onceID := strings.TrimSpace(stdout)
	if len(onceID) != 32 {
		t.Fatalf("unexpected generated id %q", onceID)
	}

	registry, err := keys.LoadFile(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if registry.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", registry.Len())
	}
	if key, ok := registry.Lookup(onceID); !ok || key.Kind != keys.KindOnce || key.Till != "07.03.2026" {
		t.Fatalf("unexpected once key %+v", key)
	}

	stdout, _, err = executeRootCommand(t, "keys", "list", "--file", path)
	if err != nil {
		t.Fatalf("keys list failed: %v", err)
	}
	if !strings.Contains(stdout, "frontdesk") || !strings.Contains(stdout, "master") || !strings.Contains(stdout, onceID) {
		t.Fatalf("unexpected list output %q", stdout)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected registry file mode: %v %v", info, err)
	}
}

func TestKeysGenRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apikeys.json")
	if _, _, err := executeRootCommand(t, "keys", "gen", "--file", path, "--type", "limited"); err == nil {
		t.Fatalf("expected error for limited key without dates")
	}
	if _, _, err := executeRootCommand(t, "keys", "gen", "--file", path, "--type", "janitor"); err == nil {
		t.Fatalf("expected error for unknown key type")
	}
	if _, _, err := executeRootCommand(t, "keys", "gen", "--file", path, "--id", "dup"); err != nil {
		t.Fatalf("keys gen failed: %v", err)
	}
	if _, _, err := executeRootCommand(t, "keys", "gen", "--file", path, "--id", "dup"); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
}

func TestSecondsOrDuration(t *testing.T) {
	t.Cleanup(viper.Reset)
	cases := map[string]time.Duration{
		"90":   90 * time.Second,
		"2m":   2 * time.Minute,
		"1m0s": time.Minute,
		"":     0,
	}
	for raw, want := range cases {
		viper.Set("open-timeout", raw)
		got, err := secondsOrDuration("open-timeout")
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", raw, got, want)
		}
	}
	viper.Set("open-timeout", "soon")
	if _, err := secondsOrDuration("open-timeout"); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

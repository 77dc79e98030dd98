package doord

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/doord/internal/hardware"
	"pkt.systems/doord/internal/settings"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore {
		t.Fatalf("unexpected listen/store %q %q", cfg.Listen, cfg.Store)
	}
	if cfg.OpenTimeout != DefaultOpenTimeout {
		t.Fatalf("unexpected open timeout %s", cfg.OpenTimeout)
	}
	if cfg.GPIORing != DefaultGPIORing || cfg.GPIOOpen != DefaultGPIOOpen {
		t.Fatalf("unexpected pins %d/%d", cfg.GPIORing, cfg.GPIOOpen)
	}
	if cfg.GPIORoot != hardware.DefaultSysfsRoot {
		t.Fatalf("unexpected gpio root %q", cfg.GPIORoot)
	}
	if cfg.RingDebounce != DefaultRingDebounce || cfg.NotifyCooldown != DefaultNotifyCooldown {
		t.Fatalf("unexpected debounce/cooldown %s/%s", cfg.RingDebounce, cfg.NotifyCooldown)
	}
	if cfg.OpenRateLimit != DefaultOpenRateLimit || cfg.OpenRateBurst != DefaultOpenRateBurst {
		t.Fatalf("unexpected rate limit %v/%d", cfg.OpenRateLimit, cfg.OpenRateBurst)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"store scheme":     {Store: "ftp://nope"},
		"short timeout":    {OpenTimeout: 500 * time.Millisecond},
		"same pins":        {GPIORing: 4, GPIOOpen: 4},
		"negative pin":     {GPIORing: -1},
		"time zone":        {TimeZone: "Mars/Olympus"},
		"watch no file":    {WatchKeys: true},
		"profiling":        {EnableProfilingMetrics: true},
		"negative hold":    {PulseHold: -time.Second},
		"negative rate":    {OpenRateLimit: -1},
		"negative burst":   {OpenRateBurst: -2},
		"negative cooling": {NotifyCooldown: -time.Second},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigSimulationAllowsSharedPins(t *testing.T) {
	cfg := Config{Simulation: true, GPIORing: 4, GPIOOpen: 4}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigSettingsValues(t *testing.T) {
	cfg := Config{
		DoorName:     "Front",
		OpenTimeout:  90 * time.Second,
		SlackBaseURL: "https://door.example.com/ ",
		SlackChannel: "#door",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	st := settings.New(cfg.SettingsValues())
	if got := st.String(settings.KeyDoorName); got != "Front" {
		t.Fatalf("unexpected door name %q", got)
	}
	if got := st.Seconds(settings.KeyOpenTimeout); got != 90*time.Second {
		t.Fatalf("unexpected open timeout %s", got)
	}
	if got := st.String(settings.KeySlackBaseURL); got != "https://door.example.com" {
		t.Fatalf("unexpected base url %q", got)
	}
	if got := st.String(settings.KeySlackChannel); got != "#door" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestConfigLocation(t *testing.T) {
	cfg := Config{TimeZone: "UTC"}
	if got := cfg.Location().String(); got != "UTC" {
		t.Fatalf("unexpected location %q", got)
	}
	if (Config{}).Location() != time.Local {
		t.Fatalf("empty time zone should use local")
	}
}

func TestConfigSlackWarnings(t *testing.T) {
	cfg := Config{SlackWebhook: "https://hooks.example.com/x"}
	warnings := cfg.SlackWarnings()
	if len(warnings) == 0 {
		t.Fatalf("expected a warning when base url is missing")
	}
	if !strings.Contains(strings.Join(warnings, " "), "disabled") {
		t.Fatalf("unexpected warnings %v", warnings)
	}
	cfg = Config{SlackWebhook: "hooks", SlackBaseURL: "https://door.example.com"}
	warnings = cfg.SlackWarnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "slack.webhook") {
		t.Fatalf("unexpected warnings %v", warnings)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOORD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("unexpected config dir %q", got)
	}
}

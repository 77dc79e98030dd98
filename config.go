package doord

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/doord/internal/door"
	"pkt.systems/doord/internal/hardware"
	"pkt.systems/doord/internal/httpapi"
	"pkt.systems/doord/internal/notify"
	"pkt.systems/doord/internal/settings"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultStore keeps persisted state in memory; state.json and the used
	// key set are lost on restart.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultDoorName is the door name used in chat messages.
	DefaultDoorName = "Door"
	// DefaultOpenTimeout is the lifetime of an authorization window.
	DefaultOpenTimeout = 60 * time.Second
	// DefaultGPIORing is the BCM pin of the ring sensor.
	DefaultGPIORing = 18
	// DefaultGPIOOpen is the BCM pin of the door opener.
	DefaultGPIOOpen = 23
	// DefaultRingDebounce ignores rings this soon after an open.
	DefaultRingDebounce = door.DefaultRingDebounce
	// DefaultNotifyCooldown spaces ring notifications.
	DefaultNotifyCooldown = door.DefaultNotifyCooldown
	// DefaultPulseHold is how long the opener stays asserted.
	DefaultPulseHold = door.DefaultPulseHold
	// DefaultSensorDebounce collapses sensor edges closer than this.
	DefaultSensorDebounce = hardware.DefaultRingDebounce
	// DefaultOpenRateLimit is the sustained per-client request rate of the
	// open endpoints, in requests per second.
	DefaultOpenRateLimit = 1.0
	// DefaultOpenRateBurst is the per-client burst of the open endpoints.
	DefaultOpenRateBurst = httpapi.DefaultRateBurst
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeysFileName is the access key registry looked up next to the config.
	DefaultKeysFileName = "apikeys.json"
)

// Config captures the tunables of a door controller.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// Store is the persistence DSN (mem://, disk:///path, s3://host/bucket, redis://host/db).
	Store string
	// KeysFile is the access key registry (JSON or YAML); empty disables key opens.
	KeysFile string
	// WatchKeys reloads KeysFile when it changes on disk.
	WatchKeys bool
	// Simulation replaces GPIO with a simulated opener and websocket-driven rings.
	Simulation bool
	// GPIORoot is the sysfs GPIO directory.
	GPIORoot string
	// TimeZone is the IANA zone business hours and key dates are evaluated in;
	// empty means the host zone.
	TimeZone string
	// AllowedOrigins lists extra origins allowed to open the websocket.
	AllowedOrigins []string

	// DoorName is published as door.name.
	DoorName string
	// OpenTimeout is published as door.open.timeout (whole seconds).
	OpenTimeout time.Duration
	// GPIORing is published as gpio.ring.
	GPIORing int
	// GPIOOpen is published as gpio.open.
	GPIOOpen int
	// SlackWebhook is published as slack.webhook.
	SlackWebhook string
	// SlackBaseURL is published as slack.baseurl.
	SlackBaseURL string
	// SlackChannel is published as slack.channel.
	SlackChannel string

	// RingDebounce ignores rings arriving this soon after an open.
	RingDebounce time.Duration
	// NotifyCooldown is the minimum spacing of ring notifications.
	NotifyCooldown time.Duration
	// PulseHold is how long the opener is asserted.
	PulseHold time.Duration
	// SensorDebounce collapses GPIO ring edges.
	SensorDebounce time.Duration
	// OpenRateLimit is the per-client request rate for /api/open and /slack.
	OpenRateLimit float64
	// OpenRateBurst is the per-client burst for /api/open and /slack.
	OpenRateBurst int

	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics exports Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects invalid settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "redis", "rediss":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("config: time zone: %w", err)
		}
	}
	if c.KeysFile != "" {
		c.KeysFile = filepath.Clean(c.KeysFile)
	} else if c.WatchKeys {
		return fmt.Errorf("config: watch-keys requires keys-file")
	}
	if c.GPIORoot == "" {
		c.GPIORoot = hardware.DefaultSysfsRoot
	}
	if strings.TrimSpace(c.DoorName) == "" {
		c.DoorName = DefaultDoorName
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	} else if c.OpenTimeout < time.Second {
		return fmt.Errorf("config: open timeout must be at least 1s")
	}
	if c.GPIORing == 0 {
		c.GPIORing = DefaultGPIORing
	}
	if c.GPIOOpen == 0 {
		c.GPIOOpen = DefaultGPIOOpen
	}
	if c.GPIORing < 0 || c.GPIOOpen < 0 {
		return fmt.Errorf("config: gpio pins must be >= 0")
	}
	if !c.Simulation && c.GPIORing == c.GPIOOpen {
		return fmt.Errorf("config: gpio ring and open pins must differ")
	}
	c.SlackBaseURL = strings.TrimRight(strings.TrimSpace(c.SlackBaseURL), "/")
	if err := defaultDuration(&c.RingDebounce, DefaultRingDebounce, "ring debounce"); err != nil {
		return err
	}
	if err := defaultDuration(&c.NotifyCooldown, DefaultNotifyCooldown, "notify cooldown"); err != nil {
		return err
	}
	if err := defaultDuration(&c.PulseHold, DefaultPulseHold, "pulse hold"); err != nil {
		return err
	}
	if err := defaultDuration(&c.SensorDebounce, DefaultSensorDebounce, "sensor debounce"); err != nil {
		return err
	}
	if err := defaultDuration(&c.ShutdownTimeout, DefaultShutdownTimeout, "shutdown timeout"); err != nil {
		return err
	}
	if c.OpenRateLimit == 0 {
		c.OpenRateLimit = DefaultOpenRateLimit
	} else if c.OpenRateLimit < 0 {
		return fmt.Errorf("config: open rate limit must be >= 0")
	}
	if c.OpenRateBurst == 0 {
		c.OpenRateBurst = DefaultOpenRateBurst
	} else if c.OpenRateBurst < 0 {
		return fmt.Errorf("config: open rate burst must be >= 0")
	}
	return nil
}

func defaultDuration(d *time.Duration, def time.Duration, name string) error {
	if *d == 0 {
		*d = def
		return nil
	}
	if *d < 0 {
		return fmt.Errorf("config: %s must be >= 0", name)
	}
	return nil
}

// Location returns the zone for business hours and key dates.
func (c Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SettingsValues returns the static door settings published to the
// settings store.
func (c Config) SettingsValues() map[string]any {
	return map[string]any{
		settings.KeyDoorName:     c.DoorName,
		settings.KeyOpenTimeout:  int(c.OpenTimeout / time.Second),
		settings.KeyGPIORing:     c.GPIORing,
		settings.KeyGPIOOpen:     c.GPIOOpen,
		settings.KeySlackWebhook: c.SlackWebhook,
		settings.KeySlackBaseURL: c.SlackBaseURL,
		settings.KeySlackChannel: c.SlackChannel,
	}
}

// SlackWarnings reports chat relay configuration problems.
func (c Config) SlackWarnings() []string {
	return notify.Validate(settings.New(c.SettingsValues()))
}

// DefaultConfigDir returns the directory holding config.yaml and the key
// registry ($DOORD_CONFIG_DIR or $HOME/.doord).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOORD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".doord"), nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/doord"
	"pkt.systems/doord/internal/hardware"
	"pkt.systems/doord/internal/settings"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage doord configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the door settings the server would start with",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg doord.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			data, err := settingsYAML(settings.New(cfg.SettingsValues()))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// settingsYAML renders static settings in key order. The webhook URL is a
// credential and is redacted.
func settingsYAML(store *settings.Store) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range store.Keys() {
		if settings.IsRuntime(key) {
			continue
		}
		value := store.String(key)
		if key == settings.KeySlackWebhook && value != "" {
			value = "REDACTED"
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value},
		)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return out, nil
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.doord/config.yaml"
	if dir, err := doord.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, doord.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default doord configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := doord.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, doord.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	Store                  string   `yaml:"store"`
	KeysFile               string   `yaml:"keys-file"`
	WatchKeys              bool     `yaml:"watch-keys"`
	Simulation             bool     `yaml:"simulation"`
	GPIORoot               string   `yaml:"gpio-root"`
	TimeZone               string   `yaml:"time-zone"`
	AllowedOrigins         []string `yaml:"allowed-origins"`
	DoorName               string   `yaml:"door-name"`
	OpenTimeout            int      `yaml:"open-timeout"`
	GPIORing               int      `yaml:"gpio-ring"`
	GPIOOpen               int      `yaml:"gpio-open"`
	SlackWebhook           string   `yaml:"slack-webhook"`
	SlackBaseURL           string   `yaml:"slack-baseurl"`
	SlackChannel           string   `yaml:"slack-channel"`
	RingDebounce           string   `yaml:"ring-debounce"`
	NotifyCooldown         string   `yaml:"notify-cooldown"`
	PulseHold              string   `yaml:"pulse-hold"`
	SensorDebounce         string   `yaml:"sensor-debounce"`
	OpenRateLimit          float64  `yaml:"open-rate-limit"`
	OpenRateBurst          int      `yaml:"open-rate-burst"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	keysFile := ""
	if dir, err := doord.DefaultConfigDir(); err == nil {
		keysFile = filepath.Join(dir, doord.DefaultKeysFileName)
	}
	defaults := configDefaults{
		Listen:          doord.DefaultListen,
		Store:           doord.DefaultStore,
		KeysFile:        keysFile,
		GPIORoot:        hardware.DefaultSysfsRoot,
		DoorName:        doord.DefaultDoorName,
		OpenTimeout:     int(doord.DefaultOpenTimeout.Seconds()),
		GPIORing:        doord.DefaultGPIORing,
		GPIOOpen:        doord.DefaultGPIOOpen,
		RingDebounce:    doord.DefaultRingDebounce.String(),
		NotifyCooldown:  doord.DefaultNotifyCooldown.String(),
		PulseHold:       doord.DefaultPulseHold.String(),
		SensorDebounce:  doord.DefaultSensorDebounce.String(),
		OpenRateLimit:   doord.DefaultOpenRateLimit,
		OpenRateBurst:   doord.DefaultOpenRateBurst,
		MetricsListen:   doord.DefaultMetricsListen,
		PprofListen:     doord.DefaultPprofListen,
		ShutdownTimeout: doord.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

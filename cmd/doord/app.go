package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"pkt.systems/doord"
	"pkt.systems/doord/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DOORD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "doord")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand; server errors are logged, subcommand errors printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := doord.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, doord.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// defaultKeysFile returns apikeys.json next to the config directory when it
// exists.
func defaultKeysFile() string {
	dir, err := doord.DefaultConfigDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, doord.DefaultKeysFileName)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg doord.Config
	cmd := &cobra.Command{
		Use:           "doord",
		Short:         "doord is a door intercom controller: rings open a short window in which observers, chat links or access keys may open the door",
		SilenceErrors: true,
		Example: `
  # Raspberry Pi with the ring sensor on BCM 18 and the opener on BCM 23
  doord --store disk:///var/lib/doord --keys-file /etc/doord/apikeys.json

  # Post rings to Slack with an open link
  DOORD_SLACK_WEBHOOK=https://hooks.slack.com/services/... DOORD_SLACK_BASEURL=https://door.example.com doord

  # Development without hardware; rings come from the websocket
  doord --simulation --store mem://

  # MinIO backend (append ?insecure=1 for HTTP)
  DOORD_STORE=s3://localhost:9000/doord?insecure=1 MINIO_ACCESS_KEY=minioadmin MINIO_SECRET_KEY=minioadmin doord
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to doord",
				"app", "doord",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := doord.NewServer(cfg, doord.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			go reloadOnSignal(ctx, server, configFile, cliLogger)

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.doord/"+doord.DefaultConfigFileName+")")
	persistentFlags.StringP("server", "s", "http://127.0.0.1"+doord.DefaultListen, "doord server URL used by client commands")

	flags := cmd.Flags()
	flags.String("listen", doord.DefaultListen, "HTTP listen address")
	flags.String("store", doord.DefaultStore, "state store URL (mem://, disk:///path, s3://host/bucket/prefix, redis://host:6379/0)")
	flags.String("keys-file", "", "access key registry (JSON or YAML; defaults to $HOME/.doord/"+doord.DefaultKeysFileName+" when present)")
	flags.Bool("watch-keys", false, "reload the key registry when the file changes")
	flags.Bool("simulation", false, "simulate the GPIO hardware")
	flags.String("gpio-root", "", "sysfs GPIO directory (default /sys/class/gpio)")
	flags.String("time-zone", "", "IANA time zone for business hours and key dates (default host zone)")
	flags.StringSlice("allowed-origins", nil, "extra origin host patterns allowed to open the websocket")
	flags.String("door-name", doord.DefaultDoorName, "door name used in chat messages")
	flags.Duration("open-timeout", doord.DefaultOpenTimeout, "lifetime of the authorization window opened by a ring")
	flags.Int("gpio-ring", doord.DefaultGPIORing, "BCM pin of the ring sensor")
	flags.Int("gpio-open", doord.DefaultGPIOOpen, "BCM pin of the door opener")
	flags.String("slack-webhook", "", "Slack incoming webhook URL")
	flags.String("slack-baseurl", "", "public base URL used in open links")
	flags.String("slack-channel", "", "Slack channel override")
	flags.Duration("ring-debounce", doord.DefaultRingDebounce, "ignore rings this soon after an open")
	flags.Duration("notify-cooldown", doord.DefaultNotifyCooldown, "minimum spacing of ring notifications")
	flags.Duration("pulse-hold", doord.DefaultPulseHold, "how long the opener stays asserted")
	flags.Duration("sensor-debounce", doord.DefaultSensorDebounce, "collapse ring sensor edges closer than this")
	flags.Float64("open-rate-limit", doord.DefaultOpenRateLimit, "per-client requests per second on the open endpoints")
	flags.Int("open-rate-burst", doord.DefaultOpenRateBurst, "per-client burst on the open endpoints")
	flags.String("metrics-listen", doord.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", doord.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (host:port, grpc://, http://)")
	flags.Duration("shutdown-timeout", doord.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("DOORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "server",
		"listen", "store", "keys-file", "watch-keys", "simulation", "gpio-root", "time-zone", "allowed-origins",
		"door-name", "open-timeout", "gpio-ring", "gpio-open", "slack-webhook", "slack-baseurl", "slack-channel",
		"ring-debounce", "notify-cooldown", "pulse-hold", "sensor-debounce", "open-rate-limit", "open-rate-burst",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "shutdown-timeout", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newClientCommands(baseLogger)...)
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *doord.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Store = viper.GetString("store")
	cfg.KeysFile = strings.TrimSpace(viper.GetString("keys-file"))
	if cfg.KeysFile == "" {
		cfg.KeysFile = defaultKeysFile()
	} else {
		expanded, err := expandPath(cfg.KeysFile)
		if err != nil {
			return fmt.Errorf("expand keys-file: %w", err)
		}
		cfg.KeysFile = expanded
	}
	cfg.WatchKeys = viper.GetBool("watch-keys")
	cfg.Simulation = viper.GetBool("simulation")
	cfg.GPIORoot = viper.GetString("gpio-root")
	cfg.TimeZone = viper.GetString("time-zone")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed-origins")
	cfg.DoorName = viper.GetString("door-name")
	openTimeout, err := secondsOrDuration("open-timeout")
	if err != nil {
		return err
	}
	cfg.OpenTimeout = openTimeout
	cfg.GPIORing = viper.GetInt("gpio-ring")
	cfg.GPIOOpen = viper.GetInt("gpio-open")
	cfg.SlackWebhook = viper.GetString("slack-webhook")
	cfg.SlackBaseURL = viper.GetString("slack-baseurl")
	cfg.SlackChannel = viper.GetString("slack-channel")
	cfg.RingDebounce = viper.GetDuration("ring-debounce")
	cfg.NotifyCooldown = viper.GetDuration("notify-cooldown")
	cfg.PulseHold = viper.GetDuration("pulse-hold")
	cfg.SensorDebounce = viper.GetDuration("sensor-debounce")
	cfg.OpenRateLimit = viper.GetFloat64("open-rate-limit")
	cfg.OpenRateBurst = viper.GetInt("open-rate-burst")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg.Validate()
}

// secondsOrDuration reads a duration setting that may also be written as
// bare whole seconds (open-timeout: 60).
func secondsOrDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

// reloadOnSignal rereads the config file and key registry on SIGHUP. SIGUSR1
// reloads only the key registry.
func reloadOnSignal(ctx context.Context, server *doord.Server, configFile string, logger pslog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGHUP, unix.SIGUSR1)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if sig == unix.SIGUSR1 {
				if err := server.ReloadKeys(); err != nil {
					logger.Warn("reload keys failed", "error", err)
				}
				continue
			}
			if configFile != "" {
				if err := viper.ReadInConfig(); err != nil {
					logger.Warn("reload config failed", "path", configFile, "error", err)
					continue
				}
			}
			var cfg doord.Config
			if err := bindConfig(&cfg); err != nil {
				logger.Warn("reload config failed", "error", err)
				continue
			}
			if err := server.Reload(cfg); err != nil {
				logger.Warn("reload failed", "error", err)
			}
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

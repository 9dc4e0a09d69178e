package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/wordd"
	"pkt.systems/wordd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WORDD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wordd")
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

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
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
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
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
			i++
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
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
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

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg wordd.Config
	cmd := &cobra.Command{
		Use:           "wordd [wordlist]",
		Short:         "wordd serves wildcard word searches over a plain-text TCP protocol",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		Example: `
  # Serve the system dictionary on the default port
  wordd /usr/share/dict/words

  # Exact-only single-shot mode on a custom port
  wordd --serial --listen :9475 /usr/share/dict/words

  # Hot-reloadable limits plus Prometheus metrics
  wordd --limits-file /etc/wordd/limits.yaml --metrics-listen :9090 /usr/share/dict/words

  # Halve wildcard budgets when RSS crosses 1GB
  wordd --memory-soft-limit 1GB /usr/share/dict/words
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to wordd",
				"app", "wordd",
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
			if len(args) == 1 {
				cfg.WordlistPath = args[0]
			}
			if cfg.WordlistPath == "" {
				return fmt.Errorf("a word list is required (positional argument or --wordlist)")
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := wordd.NewServer(cfg, wordd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", wordd.DefaultListen, "listen address")
	flags.String("listen-proto", wordd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("wordlist", "", "path to the word list (one word per line)")
	flags.Bool("serial", false, "single-shot exact-only mode: one request per connection")
	flags.String("default-mode", string(wordd.DefaultMode), "matching mode when requests omit --mode (exact or partial)")
	flags.Int("max-pattern-length", wordd.DefaultMaxPatternLength, "maximum pattern length in bytes")
	flags.Int("max-question-wildcards", wordd.DefaultMaxQuestionWildcards, "maximum '?' wildcards per pattern")
	flags.Int("max-star-wildcards", wordd.DefaultMaxStarWildcards, "maximum '*' wildcards per pattern")
	flags.Int("max-line-bytes", wordd.DefaultMaxLineBytes, "maximum raw request line length in bytes")
	flags.Int("max-connections", wordd.DefaultMaxConnections, "maximum simultaneous sessions (excess answered 503 BUSY)")
	flags.Duration("request-timeout", wordd.DefaultRequestTimeout, "idle wait for the next request line before closing a session")
	flags.Duration("shutdown-timeout", wordd.DefaultShutdownTimeout, "graceful shutdown budget (listener close + session drain)")
	flags.String("limits-file", "", "YAML file with hot-reloadable limit overrides (empty disables)")
	flags.String("metrics-listen", wordd.DefaultMetricsListen, "metrics listen address (Prometheus scrape + healthz; empty disables)")
	flags.String("pprof-listen", wordd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("memory-soft-limit", "", "approximate RSS limit before wildcard budgets are halved (e.g. 1GB; blank disables)")
	flags.Duration("memory-check-interval", wordd.DefaultMemoryCheckInterval, "memory guard sampling cadence")
	flags.Bool("connguard-enabled", false, "enable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", wordd.DefaultGuardFailureThreshold, "number of suspicious connection failures before hard-blocking an IP")
	flags.Duration("connguard-failure-window", wordd.DefaultGuardFailureWindow, "window used to count suspicious connection failures")
	flags.Duration("connguard-block-duration", wordd.DefaultGuardBlockDuration, "time to block an IP after reaching failure threshold")
	flags.Duration("connguard-probe-timeout", 0, "timeout for classification of suspicious plain-TCP attempts (0 disables probing)")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

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

	viper.SetEnvPrefix("WORDD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "wordlist", "serial", "default-mode",
		"max-pattern-length", "max-question-wildcards", "max-star-wildcards",
		"max-line-bytes", "max-connections", "request-timeout", "shutdown-timeout",
		"limits-file", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "memory-soft-limit", "memory-check-interval",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window",
		"connguard-block-duration", "connguard-probe-timeout",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *wordd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.WordlistPath = viper.GetString("wordlist")
	cfg.Serial = viper.GetBool("serial")
	cfg.DefaultMode = viper.GetString("default-mode")
	cfg.MaxPatternLength = viper.GetInt("max-pattern-length")
	cfg.MaxQuestionWildcards = viper.GetInt("max-question-wildcards")
	cfg.MaxStarWildcards = viper.GetInt("max-star-wildcards")
	cfg.MaxLineBytes = viper.GetInt("max-line-bytes")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.LimitsFile = viper.GetString("limits-file")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	if soft := viper.GetString("memory-soft-limit"); soft != "" {
		bytes, err := humanize.ParseBytes(soft)
		if err != nil {
			return fmt.Errorf("parse memory-soft-limit: %w", err)
		}
		cfg.MemorySoftLimitBytes = bytes
	}
	cfg.MemoryCheckInterval = viper.GetDuration("memory-check-interval")
	cfg.GuardEnabled = viper.GetBool("connguard-enabled")
	cfg.GuardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.GuardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	return nil
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

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/hlld/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HLLD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hlld")
	root := newRootCommand(logger)
	serving := targetsRoot(root, os.Args[1:])

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err := root.ExecuteContextC(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
	case serving:
		// The daemon logs; subcommand and parse errors go to the terminal.
		loggingutil.WithSubsystem(logger, "cli.root").Error("command failed", "error", err)
	default:
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}

// targetsRoot reports whether args run the daemon itself rather than a
// subcommand. Flag values are skipped. An unknown flag defers to whether a
// subcommand name follows it.
func targetsRoot(root *cobra.Command, args []string) bool {
	subcommandFollows := func(rest []string) bool {
		return slices.ContainsFunc(rest, func(tok string) bool { return isSubcommand(root, tok) })
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			name, _, inline := strings.Cut(arg[2:], "=")
			if inline {
				continue
			}
			f := rootFlag(root, name, "")
			if f == nil {
				return !subcommandFollows(args[i+1:])
			}
			if takesValue(f) {
				i++
			}
		case len(arg) > 1 && arg[0] == '-':
			known, valueNext := shorthandCluster(root, arg[1:])
			if !known {
				return !subcommandFollows(args[i+1:])
			}
			if valueNext {
				i++
			}
		default:
			return !isSubcommand(root, arg)
		}
	}
	return true
}

// shorthandCluster resolves a group such as -abc. A value-taking flag ends
// the group; it reads the next argument only when it is the last letter.
func shorthandCluster(root *cobra.Command, cluster string) (known, valueNext bool) {
	for idx, ch := range cluster {
		f := rootFlag(root, "", string(ch))
		if f == nil {
			return false, false
		}
		if takesValue(f) {
			return true, idx == len(cluster)-1
		}
	}
	return true, false
}

func rootFlag(root *cobra.Command, name, shorthand string) *pflag.Flag {
	for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
		var f *pflag.Flag
		switch {
		case name != "":
			f = set.Lookup(name)
		case len(shorthand) == 1:
			f = set.ShorthandLookup(shorthand)
		}
		if f != nil {
			return f
		}
	}
	return nil
}

func takesValue(f *pflag.Flag) bool { return f.NoOptDefVal == "" }

func isSubcommand(root *cobra.Command, tok string) bool {
	return slices.ContainsFunc(root.Commands(), func(sub *cobra.Command) bool {
		return sub.Name() == tok || sub.HasAlias(tok)
	})
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads the file named by --config (or HLLD_CONFIG), falling
// back to the default config file when one exists. It returns the path it
// read, or "" when there was none.
func loadConfigFile() (string, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	explicit := path != ""
	if !explicit {
		dir, err := hlld.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		path = filepath.Join(dir, hlld.DefaultConfigFileName)
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", fmt.Errorf("config: expand %q: %w", path, err)
	}
	switch info, err := os.Stat(expanded); {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return "", nil
	case err != nil:
		return "", fmt.Errorf("config: %w", err)
	case info.IsDir():
		return "", fmt.Errorf("config: %s is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("config: read %s: %w", expanded, err)
	}
	return expanded, nil
}

// watchConfigFile reports edits to the loaded config file. Settings are
// read once at startup, so a change only takes effect after a restart.
func watchConfigFile(path string, logger pslog.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.Warn("config.changed", "path", e.Name, "op", e.Op.String(), "action", "restart to apply")
	})
	viper.WatchConfig()
	logger.Debug("config.watch", "path", path)
}

// expandPath resolves a leading ~ and makes p absolute.
func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if rest, ok := strings.CutPrefix(p, "~"); ok && (rest == "" || rest[0] == '/' || rest[0] == '\\') {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, rest[min(len(rest), 1):])
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hlld",
		Short:         "hlld is a network daemon for named HyperLogLog sets",
		SilenceErrors: true,
		Example: `
  # Local disk backend rooted at /var/lib/hlld
  hlld --store disk:///var/lib/hlld

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  HLLD_STORE=s3://localhost:9000/hlld?insecure=1 HLLD_S3_ACCESS_KEY_ID=minioadmin HLLD_S3_SECRET_ACCESS_KEY=minioadmin hlld

  # AWS S3 backend (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  HLLD_STORE=aws://my-bucket/prefix HLLD_AWS_REGION=us-west-2 hlld

  # In-memory storage with 1% default error and Prometheus metrics
  hlld --store mem:// --default-eps 0.01 --metrics-listen :9464
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return serve(cmd.Context(), baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.hlld/"+hlld.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", hlld.DefaultListen, "TCP listen address for the line protocol")
	flags.String("max-line", humanizeBytes(hlld.DefaultMaxLine), "maximum command line size")
	flags.Duration("idle-timeout", hlld.DefaultIdleTimeout, "close client connections idle for this long (0 disables)")
	flags.String("metrics-listen", hlld.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", hlld.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-storage-tracing", false, "disable per-operation storage spans and debug logs")
	flags.String("store", hlld.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Int("default-precision", hlld.DefaultPrecision, "register index bits for sets created without options")
	flags.Float64("default-eps", 0, "target error for sets created without options (overrides --default-precision)")
	flags.Bool("default-in-memory", false, "create sets in-memory (never persisted) unless in_memory=0 is given")
	flags.String("closed-policy", hlld.DefaultClosedPolicy, "writes to closed sets: reopen or reject")
	flags.Duration("flush-interval", hlld.DefaultFlushInterval, "background flush cadence for dirty proxied sets (0 disables)")
	flags.Float64("flush-rate", hlld.DefaultFlushRate, "maximum background set flushes per second (0 is unlimited)")
	flags.Int("flush-concurrency", hlld.DefaultFlushConcurrency, "parallel flushes during flush-all and shutdown")
	flags.Duration("vacuum-interval", hlld.DefaultVacuumInterval, "cadence of dropped-set reclamation")
	flags.Duration("vacuum-grace", hlld.DefaultVacuumGrace, "delay before a dropped set is reclaimed")
	flags.Int("vacuum-queue", hlld.DefaultVacuumQueue, "capacity of the dropped-set hand-off queue")
	flags.Duration("shutdown-timeout", hlld.DefaultShutdownTimeout, "overall shutdown timeout (drain plus final flush)")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("s3-access-key-id", "", "access key for s3:// backends (or HLLD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// backends (or HLLD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// backends")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("aws-kms-key-id", "", "KMS key ID for aws:// backends")
	flags.String("azure-account", "", "Azure Storage account (overrides the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key (or use HLLD_AZURE_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.Int("storage-retry-attempts", hlld.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", hlld.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", hlld.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", hlld.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.Bool("connguard-enabled", true, "block hosts that repeatedly send malformed or oversized commands")
	flags.Int("connguard-failure-threshold", hlld.DefaultConnguardFailureThreshold, "protocol violations before hard-blocking an IP")
	flags.Duration("connguard-failure-window", hlld.DefaultConnguardFailureWindow, "window used to count protocol violations")
	flags.Duration("connguard-block-duration", hlld.DefaultConnguardBlockDuration, "time to block an IP after reaching the failure threshold")

	viper.SetEnvPrefix("HLLD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, key := range configKeys {
		f := rootFlag(cmd, key, "")
		if f == nil {
			panic("hlld: config key without flag: " + key)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newVerifyCommand(loggingutil.WithSubsystem(baseLogger, "cli.verify")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// serve runs the daemon until ctx ends, then shuts it down within the
// configured shutdown timeout.
func serve(ctx context.Context, logger pslog.Logger) error {
	loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info("welcome to hlld",
		"version", version.Current(),
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	path, err := loadConfigFile()
	if err != nil {
		return err
	}
	var cfg hlld.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cli := loggingutil.WithSubsystem(logger, "cli.root")
	if path != "" {
		cli.Info("config.loaded", "path", path)
		watchConfigFile(path, loggingutil.WithSubsystem(logger, "cli.config"))
	}

	server, err := hlld.NewServer(cfg, hlld.WithLogger(logger))
	if err != nil {
		return err
	}
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			sctx, cancel := context.WithTimeout(context.Background(), server.Config().ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				cli.Error("shutdown failed", "error", err)
			}
		})
	}
	defer shutdown()
	stopWatch := context.AfterFunc(ctx, shutdown)
	defer stopWatch()
	return server.Start()
}

var configKeys = []string{
	"config", "log-level",
	"listen", "max-line", "idle-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-storage-tracing",
	"store", "default-precision", "default-eps", "default-in-memory", "closed-policy",
	"flush-interval", "flush-rate", "flush-concurrency", "vacuum-interval", "vacuum-grace", "vacuum-queue", "shutdown-timeout",
	"s3-sse", "s3-kms-key-id", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
	"aws-region", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
}

func bindConfig(cfg *hlld.Config) error {
	cfg.Listen = viper.GetString("listen")
	if maxLine := strings.TrimSpace(viper.GetString("max-line")); maxLine != "" {
		size, err := humanize.ParseBytes(maxLine)
		if err != nil {
			return fmt.Errorf("parse max-line: %w", err)
		}
		cfg.MaxLine = int(size)
	}
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")
	cfg.Store = viper.GetString("store")
	cfg.DefaultPrecision = viper.GetInt("default-precision")
	cfg.DefaultEps = viper.GetFloat64("default-eps")
	cfg.DefaultInMemory = viper.GetBool("default-in-memory")
	cfg.ClosedPolicy = viper.GetString("closed-policy")
	cfg.FlushInterval = viper.GetDuration("flush-interval")
	cfg.FlushRate = viper.GetFloat64("flush-rate")
	cfg.FlushConcurrency = viper.GetInt("flush-concurrency")
	cfg.VacuumInterval = viper.GetDuration("vacuum-interval")
	cfg.VacuumGrace = viper.GetDuration("vacuum-grace")
	cfg.VacuumQueue = viper.GetInt("vacuum-queue")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AWSKMSKeyID = strings.TrimSpace(viper.GetString("aws-kms-key-id"))
	if cfg.AWSKMSKeyID == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_KMS_KEY_ID")); v != "" {
			cfg.AWSKMSKeyID = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	return nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/hlld"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hlld configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.hlld/" + hlld.DefaultConfigFileName
	if dir, err := hlld.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, hlld.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default hlld configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := hlld.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, hlld.DefaultConfigFileName)
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
	Listen                    string  `yaml:"listen"`
	MaxLine                   string  `yaml:"max-line"`
	IdleTimeout               string  `yaml:"idle-timeout"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	DisableStorageTracing     bool    `yaml:"disable-storage-tracing"`
	Store                     string  `yaml:"store"`
	DefaultPrecision          int     `yaml:"default-precision"`
	DefaultEps                float64 `yaml:"default-eps"`
	DefaultInMemory           bool    `yaml:"default-in-memory"`
	ClosedPolicy              string  `yaml:"closed-policy"`
	FlushInterval             string  `yaml:"flush-interval"`
	FlushRate                 float64 `yaml:"flush-rate"`
	FlushConcurrency          int     `yaml:"flush-concurrency"`
	VacuumInterval            string  `yaml:"vacuum-interval"`
	VacuumGrace               string  `yaml:"vacuum-grace"`
	VacuumQueue               int     `yaml:"vacuum-queue"`
	ShutdownTimeout           string  `yaml:"shutdown-timeout"`
	StoreSSE                  string  `yaml:"s3-sse"`
	StoreKMSKeyID             string  `yaml:"s3-kms-key-id"`
	AWSRegion                 string  `yaml:"aws-region"`
	AWSKMSKeyID               string  `yaml:"aws-kms-key-id"`
	AzureAccount              string  `yaml:"azure-account"`
	AzureEndpoint             string  `yaml:"azure-endpoint"`
	StorageRetryMaxAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64 `yaml:"storage-retry-multiplier"`
	ConnguardEnabled          bool    `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int     `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string  `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string  `yaml:"connguard-block-duration"`
	LogLevel                  string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    hlld.DefaultListen,
		MaxLine:                   humanizeBytes(hlld.DefaultMaxLine),
		IdleTimeout:               hlld.DefaultIdleTimeout.String(),
		MetricsListen:             hlld.DefaultMetricsListen,
		PprofListen:               hlld.DefaultPprofListen,
		Store:                     hlld.DefaultStore,
		DefaultPrecision:          hlld.DefaultPrecision,
		ClosedPolicy:              hlld.DefaultClosedPolicy,
		FlushInterval:             hlld.DefaultFlushInterval.String(),
		FlushRate:                 hlld.DefaultFlushRate,
		FlushConcurrency:          hlld.DefaultFlushConcurrency,
		VacuumInterval:            hlld.DefaultVacuumInterval.String(),
		VacuumGrace:               hlld.DefaultVacuumGrace.String(),
		VacuumQueue:               hlld.DefaultVacuumQueue,
		ShutdownTimeout:           hlld.DefaultShutdownTimeout.String(),
		StorageRetryMaxAttempts:   hlld.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:     hlld.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      hlld.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    hlld.DefaultStorageRetryMultiplier,
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: hlld.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    hlld.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    hlld.DefaultConnguardBlockDuration.String(),
		LogLevel:                  "info",
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

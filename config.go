package hlld

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/hlld/internal/core"
	"pkt.systems/hlld/internal/hll"
	"pkt.systems/hlld/internal/protocol"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = "127.0.0.1:4553"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultConfigFileName is the config file looked up inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultMaxLine bounds a single command line, newline included.
	DefaultMaxLine = protocol.DefaultMaxLine
	// DefaultIdleTimeout closes connections that send nothing for this long (0 disables).
	DefaultIdleTimeout = time.Duration(0)
	// DefaultPrecision is applied to sets created without precision or eps.
	DefaultPrecision = hll.DefaultPrecision
	// DefaultClosedPolicy controls how operations on closed sets behave.
	DefaultClosedPolicy = "reopen"
	// DefaultFlushInterval is the cadence of the background flusher (0 disables).
	DefaultFlushInterval = 60 * time.Second
	// DefaultFlushRate caps background flushes per second (0 is unlimited).
	DefaultFlushRate = 0.0
	// DefaultFlushConcurrency bounds parallel flushes during flush-all and shutdown.
	DefaultFlushConcurrency = core.DefaultFlushConcurrency
	// DefaultVacuumInterval is the cadence of the reclamation sweep.
	DefaultVacuumInterval = core.DefaultVacuumInterval
	// DefaultVacuumGrace delays reclamation of dropped sets.
	DefaultVacuumGrace = time.Duration(0)
	// DefaultVacuumQueue bounds the drop hand-off queue.
	DefaultVacuumQueue = core.DefaultVacuumQueue
	// DefaultShutdownTimeout caps the total shutdown time (drain + final flush).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConnguardFailureThreshold blocks a host after this many protocol violations.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the window violations are counted in.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long a blocked host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
)

// Config captures the tunables for an hlld server.
type Config struct {
	Listen string
	// MaxLine bounds a command line in bytes.
	MaxLine int
	// IdleTimeout closes idle client connections; zero disables it.
	IdleTimeout time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	DisableStorageTracing  bool

	// Store is the storage backend URL (mem://, disk:///path, s3://, aws://, azure://).
	Store string

	DefaultPrecision int
	// DefaultEps, when positive, overrides DefaultPrecision.
	DefaultEps       float64
	DefaultInMemory  bool
	ClosedPolicy     string
	FlushInterval    time.Duration
	FlushRate        float64
	FlushConcurrency int
	VacuumInterval   time.Duration
	VacuumGrace      time.Duration
	VacuumQueue      int
	ShutdownTimeout  time.Duration

	S3SSE             string
	S3KMSKeyID        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AWSKMSKeyID       string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.MaxLine <= 0 {
		c.MaxLine = DefaultMaxLine
	}
	if c.MaxLine < 64 {
		return fmt.Errorf("config: max line must be at least 64 bytes")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle timeout must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.DefaultEps > 0 {
		p, err := hll.PrecisionForError(c.DefaultEps)
		if err != nil {
			return fmt.Errorf("config: default eps: %w", err)
		}
		c.DefaultPrecision = p
	}
	if c.DefaultPrecision == 0 {
		c.DefaultPrecision = DefaultPrecision
	}
	if c.DefaultPrecision < hll.MinPrecision || c.DefaultPrecision > hll.MaxPrecision {
		return fmt.Errorf("config: default precision %d outside [%d,%d]", c.DefaultPrecision, hll.MinPrecision, hll.MaxPrecision)
	}
	c.ClosedPolicy = strings.ToLower(strings.TrimSpace(c.ClosedPolicy))
	if c.ClosedPolicy == "" {
		c.ClosedPolicy = DefaultClosedPolicy
	}
	if _, err := core.ParseClosedPolicy(c.ClosedPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("config: flush interval must be >= 0")
	}
	if c.FlushRate < 0 {
		return fmt.Errorf("config: flush rate must be >= 0")
	}
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = DefaultFlushConcurrency
	}
	if c.VacuumInterval <= 0 {
		c.VacuumInterval = DefaultVacuumInterval
	}
	if c.VacuumGrace < 0 {
		return fmt.Errorf("config: vacuum grace must be >= 0")
	}
	if c.VacuumQueue <= 0 {
		c.VacuumQueue = DefaultVacuumQueue
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	return nil
}

// SetDefaults returns the configuration applied to sets created without options.
// It assumes Validate has run.
func (c Config) SetDefaults() core.SetConfig {
	cfg := core.DefaultSetConfig()
	cfg.Precision = c.DefaultPrecision
	cfg.Epsilon = hll.ErrorForPrecision(c.DefaultPrecision)
	if c.DefaultInMemory {
		cfg.Mode = core.InMemory
	}
	return cfg
}

// DefaultConfigDir returns the default configuration directory ($HOME/.hlld),
// overridable with HLLD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HLLD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hlld"), nil
}

package hlld

import (
	"path/filepath"
	"testing"

	"pkt.systems/hlld/internal/core"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore {
		t.Fatalf("unexpected listen/store %q %q", cfg.Listen, cfg.Store)
	}
	if cfg.DefaultPrecision != DefaultPrecision || cfg.ClosedPolicy != "reopen" {
		t.Fatalf("unexpected set defaults %+v", cfg)
	}
	if cfg.MaxLine != DefaultMaxLine || cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	sc := cfg.SetDefaults()
	if sc.Precision != DefaultPrecision || sc.Mode != core.Proxied {
		t.Fatalf("unexpected set config %+v", sc)
	}
}

func TestConfigValidateEpsOverridesPrecision(t *testing.T) {
	cfg := Config{DefaultPrecision: 10, DefaultEps: 0.01, DefaultInMemory: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DefaultPrecision != 14 {
		t.Fatalf("expected precision 14 for eps 0.01, got %d", cfg.DefaultPrecision)
	}
	if cfg.SetDefaults().Mode != core.InMemory {
		t.Fatal("expected in-memory default")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"precision": {DefaultPrecision: 30},
		"eps":       {DefaultEps: 2},
		"policy":    {ClosedPolicy: "explode"},
		"flush":     {FlushInterval: -1},
		"rate":      {FlushRate: -1},
		"grace":     {VacuumGrace: -1},
		"idle":      {IdleTimeout: -1},
		"max line":  {MaxLine: 10},
		"profiling": {EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error for %+v", cfg)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HLLD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("got %q %v", got, err)
	}
	t.Setenv("HLLD_CONFIG_DIR", "relative")
	got, err = DefaultConfigDir()
	if err != nil || !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q %v", got, err)
	}
}

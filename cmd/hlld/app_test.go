package main

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/hlld"
	"pkt.systems/pslog"
)

func newTestRoot(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCommand(pslog.NoopLogger())
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "listen shorthand with value", args: []string{"-l", ":4553"}, want: true},
		{name: "bool flag", args: []string{"--default-in-memory", "--store", "mem://"}, want: true},
		{name: "subcommand", args: []string{"verify", "store"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "config", "gen"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "verify", "store"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := targetsRoot(root, tc.args)
			if got != tc.want {
				t.Fatalf("targetsRoot(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	t.Setenv("HLLD_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"hlld", "-z", "verify", "store"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, `unknown command "store" for "hlld"`) {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestBindConfigFromEnvironment(t *testing.T) {
	t.Setenv("HLLD_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HLLD_STORE", "disk:///srv/hlld")
	t.Setenv("HLLD_MAX_LINE", "1MiB")
	t.Setenv("HLLD_DEFAULT_PRECISION", "14")
	t.Setenv("HLLD_CLOSED_POLICY", "reject")
	t.Setenv("HLLD_FLUSH_INTERVAL", "5s")
	t.Setenv("HLLD_DEFAULT_IN_MEMORY", "true")

	newTestRoot(t)
	var cfg hlld.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///srv/hlld" {
		t.Fatalf("store: %q", cfg.Store)
	}
	if cfg.MaxLine != 1<<20 {
		t.Fatalf("max line: %d", cfg.MaxLine)
	}
	if cfg.DefaultPrecision != 14 {
		t.Fatalf("precision: %d", cfg.DefaultPrecision)
	}
	if cfg.ClosedPolicy != "reject" {
		t.Fatalf("closed policy: %q", cfg.ClosedPolicy)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Fatalf("flush interval: %v", cfg.FlushInterval)
	}
	if !cfg.DefaultInMemory {
		t.Fatal("expected default in-memory")
	}
	if cfg.Listen != hlld.DefaultListen {
		t.Fatalf("listen: %q", cfg.Listen)
	}
}

func TestBindConfigRejectsBadMaxLine(t *testing.T) {
	t.Setenv("HLLD_MAX_LINE", "lots")
	newTestRoot(t)
	var cfg hlld.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected max-line parse error")
	}
}

func TestLoadConfigFileExplicit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := dir + "/hlld.yaml"
	if err := os.WriteFile(path, []byte("store: disk:///from/file\nflush-rate: 2.5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HLLD_CONFIG", path)
	newTestRoot(t)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	var cfg hlld.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///from/file" || cfg.FlushRate != 2.5 {
		t.Fatalf("config file not applied: store=%q rate=%v", cfg.Store, cfg.FlushRate)
	}
}

func TestLoadConfigFileMissingExplicit(t *testing.T) {
	t.Setenv("HLLD_CONFIG", t.TempDir()+"/absent.yaml")
	newTestRoot(t)
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestExpandPathHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/conf/hlld.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != home+"/conf/hlld.yaml" {
		t.Fatalf("expandPath: %q", got)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}

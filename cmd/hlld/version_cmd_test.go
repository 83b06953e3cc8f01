package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"pkt.systems/hlld/internal/version"
	"pkt.systems/pslog"
)

// runCLI executes the root command with args and captures both streams.
func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("HLLD_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NoopLogger())
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func TestVersionCommandVerbose(t *testing.T) {
	stdout, _, err := runCLI(t, "version", "--verbose")
	if err != nil {
		t.Fatalf("version --verbose: %v", err)
	}
	for _, field := range []string{version.Current(), "revision: ", "modified: ", "go: "} {
		if !strings.Contains(stdout, field) {
			t.Errorf("output lacks %q:\n%s", field, stdout)
		}
	}
}

func TestVersionIsASubcommandOnly(t *testing.T) {
	_, _, err := runCLI(t, "--version")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("--version err = %v, want unknown flag", err)
	}
}

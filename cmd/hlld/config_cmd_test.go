package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/hlld"
)

func TestDefaultConfigYAMLRoundTripsDefaults(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["store"] != hlld.DefaultStore {
		t.Fatalf("store: %v", parsed["store"])
	}
	if parsed["listen"] != hlld.DefaultListen {
		t.Fatalf("listen: %v", parsed["listen"])
	}
	if parsed["closed-policy"] != hlld.DefaultClosedPolicy {
		t.Fatalf("closed-policy: %v", parsed["closed-policy"])
	}
	if parsed["max-line"] != "16MiB" {
		t.Fatalf("max-line: %v", parsed["max-line"])
	}
	for key := range parsed {
		found := false
		for _, known := range configKeys {
			if key == known {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("generated key %q is not a bound flag", key)
		}
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	t.Setenv("HLLD_CONFIG", "")
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")

	stdout, _, err := runCLI(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, "wrote default config to "+out) {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode: %v", info.Mode().Perm())
	}

	if _, _, err := runCLI(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if _, _, err := runCLI(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	t.Setenv("HLLD_CONFIG", "")
	stdout, _, err := runCLI(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	if !strings.Contains(stdout, "store: mem://") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
	if _, _, err := runCLI(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected mutually exclusive error")
	}
}

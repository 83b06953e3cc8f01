// Package version reports the build identity of the hlld binary.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const fallbackModule = "pkt.systems/hlld"

// buildVersion is stamped by release builds:
//
//	go build -ldflags "-X pkt.systems/hlld/internal/version.buildVersion=v1.2.3"
var buildVersion = ""

// Info is the subset of build metadata hlld reports.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

var read = sync.OnceValue(func() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
})

// Read returns the build metadata of the running binary.
func Read() Info { return read() }

// Current returns the best available version string.
func Current() string { return read().Version }

// Module returns the main module path.
func Module() string { return read().Module }

func fromBuildInfo(bi *debug.BuildInfo, stamped string) Info {
	out := Info{Module: fallbackModule, Version: strings.TrimSpace(stamped)}
	if bi == nil {
		if out.Version == "" {
			out.Version = "v0.0.0-unknown"
		}
		return out
	}
	out.GoVersion = bi.GoVersion
	if p := strings.TrimSpace(bi.Main.Path); p != "" {
		out.Module = p
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Revision = s.Value
		case "vcs.time":
			out.Time, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	switch {
	case out.Version != "":
	case bi.Main.Version != "" && bi.Main.Version != "(devel)":
		out.Version = bi.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = pseudoVersion(out.Revision, out.Time, out.Modified)
	default:
		out.Version = "v0.0.0-unknown"
	}
	return out
}

// pseudoVersion formats a Go-style pseudo-version for an untagged checkout.
func pseudoVersion(revision string, at time.Time, dirty bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}

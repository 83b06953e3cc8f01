package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	vcs := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	cases := []struct {
		name    string
		bi      *debug.BuildInfo
		stamped string
		want    string
		module  string
	}{
		{name: "no build info", want: "v0.0.0-unknown", module: fallbackModule},
		{name: "stamped wins", bi: &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v9.9.9"}}, stamped: "v1.2.3", want: "v1.2.3", module: "example.com/x"},
		{name: "module version", bi: &debug.BuildInfo{Main: debug.Module{Path: "pkt.systems/hlld", Version: "v0.4.0"}}, want: "v0.4.0", module: "pkt.systems/hlld"},
		{name: "pseudo from vcs", bi: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: vcs}, want: "v0.0.0-20260301102030-0123456789ab+dirty", module: fallbackModule},
		{name: "devel without vcs", bi: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, want: "v0.0.0-unknown", module: fallbackModule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromBuildInfo(tc.bi, tc.stamped)
			if got.Version != tc.want {
				t.Fatalf("version %q want %q", got.Version, tc.want)
			}
			if got.Module != tc.module {
				t.Fatalf("module %q want %q", got.Module, tc.module)
			}
		})
	}
}

func TestCurrentIsStable(t *testing.T) {
	if Current() == "" || Current() != Read().Version {
		t.Fatalf("unstable version %q", Current())
	}
}

package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestJoinSubsystem(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"core", "vacuum"}, "core.vacuum"},
		{[]string{"", ".core.", " ", "flusher"}, "core.flusher"},
		{[]string{"server.lifecycle"}, "server.lifecycle"},
	}
	for _, tc := range cases {
		if got := JoinSubsystem(tc.parts...); got != tc.want {
			t.Fatalf("JoinSubsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		MinLevel:         pslog.InfoLevel,
	})
	Subsystem(base, "protocol", "conn").Info("hello")
	if !strings.Contains(buf.String(), "protocol.conn") {
		t.Fatalf("missing subsystem tag: %s", buf.String())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	WithSubsystem(nil, "core").Info("discarded")
	EnsureLogger(nil).Debug("discarded")
}

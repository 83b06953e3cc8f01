// Package loggingutil holds the subsystem tagging conventions shared by every
// hlld component that accepts an optional pslog.Logger.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags the component that emitted an entry, e.g.
// sys=core.vacuum or sys=protocol.conn.
const SubsystemKey = pslog.TrustedString("sys")

// EnsureLogger returns l, or a disabled logger when l is nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// JoinSubsystem joins parts with dots, dropping empty fragments and stray
// separators.
func JoinSubsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem tags l with sys. A nil l yields a disabled logger; an empty
// sys leaves l untagged.
func WithSubsystem(l pslog.Logger, sys string) pslog.Logger {
	l = EnsureLogger(l)
	if sys = JoinSubsystem(sys); sys == "" {
		return l
	}
	return l.With(SubsystemKey, sys)
}

// Subsystem is WithSubsystem over dot-joined parts.
func Subsystem(l pslog.Logger, parts ...string) pslog.Logger {
	return WithSubsystem(l, JoinSubsystem(parts...))
}

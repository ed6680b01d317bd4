package log

import (
	"fmt"
	"strings"

	"github.com/cyclopcam/logs"
)

type Level int

const (
	LevelDebug    Level = iota // information that only a programmer will understand
	LevelInfo                  // information that a non-programmer might be interested in
	LevelWarn                  // speeds up tracking down issues, once you know about them
	LevelError                 // should not have happened
	LevelCritical              // wake somebody up
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("Unknown log level '%v'", s)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// LevelFilter drops all messages below Min.
// The pipeline wraps its logger in a LevelFilter instead of changing any process-wide verbosity.
type LevelFilter struct {
	Log logs.Log
	Min Level
}

func NewLevelFilter(log logs.Log, min Level) *LevelFilter {
	return &LevelFilter{
		Log: log,
		Min: min,
	}
}

// Closing a LevelFilter does nothing. The owner of the underlying log closes it.
func (l *LevelFilter) Close() {
}

func (l *LevelFilter) Debugf(format string, a ...any) {
	if l.Min <= LevelDebug {
		l.Log.Debugf(format, a...)
	}
}

func (l *LevelFilter) Infof(format string, a ...any) {
	if l.Min <= LevelInfo {
		l.Log.Infof(format, a...)
	}
}

func (l *LevelFilter) Warnf(format string, a ...any) {
	if l.Min <= LevelWarn {
		l.Log.Warnf(format, a...)
	}
}

func (l *LevelFilter) Errorf(format string, a ...any) {
	if l.Min <= LevelError {
		l.Log.Errorf(format, a...)
	}
}

func (l *LevelFilter) Criticalf(format string, a ...any) {
	l.Log.Criticalf(format, a...)
}

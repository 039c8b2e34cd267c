// Package logging provides the single leveled logging surface the rest
// of the module writes through, so engine packages never call log.Printf
// ad hoc and a binary can raise or lower verbosity in one place.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level orders log severities. LevelError is always emitted; the default
// threshold is LevelInfo.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a case-insensitive level name to a Level, defaulting
// to LevelInfo for anything unrecognized.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	threshold atomic.Int32
	outMu     sync.Mutex
	out       = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	threshold.Store(int32(ParseLevel(os.Getenv("MARFS_LOG_LEVEL"))))
}

// SetLevel sets the process-wide emission threshold.
func SetLevel(l Level) {
	threshold.Store(int32(l))
}

// SetOutput redirects all loggers to w. Intended for tests and for
// binaries that want log output somewhere other than stderr.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = log.New(w, "", log.LstdFlags)
}

// Logger tags every line it emits with a component name, mirroring the
// Component field carried by pkg/errors.MarFSError.
type Logger struct {
	component string
}

// New returns a Logger for one component.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) emit(lv Level, format string, args ...interface{}) {
	if lv < Level(threshold.Load()) {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	out.Printf("%s %s: %s", lv, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.emit(LevelError, format, args...) }

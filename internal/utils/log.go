package utils

import (
	"fmt"
	"log"
	"os"
	"time"
)

// LogLevel controls the verbosity of a Logger.
type LogLevel uint8

const (
	// LogLevelNothing disables all logging.
	LogLevelNothing LogLevel = iota
	// LogLevelError logs only errors.
	LogLevelError
	// LogLevelInfo logs connection lifecycle events.
	LogLevelInfo
	// LogLevelDebug logs packet- and frame-level detail.
	LogLevelDebug
)

const logEnv = "QUIC_LOG_LEVEL"

// LogLevelFromEnv reads QUIC_LOG_LEVEL ("error", "info", "debug") and
// returns the corresponding LogLevel, defaulting to LogLevelNothing.
func LogLevelFromEnv() LogLevel {
	switch os.Getenv(logEnv) {
	case "error":
		return LogLevelError
	case "info":
		return LogLevelInfo
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelNothing
	}
}

// Logger is the module's leveled logging interface. The default
// implementation wraps the standard library's log package; it is never
// swapped for a third-party logging library because the teacher codebase
// never reaches for one either.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithPrefix(prefix string) Logger
	SetLogLevel(LogLevel)
	SetLogTimeFormat(format string)
	Debug() bool
}

type defaultLogger struct {
	prefix     string
	logLevel   LogLevel
	timeFormat string
}

// DefaultLogger is a Logger writing to os.Stderr via the standard log
// package, gated by SetLogLevel.
var DefaultLogger Logger = &defaultLogger{logLevel: LogLevelFromEnv()}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.logLevel >= LogLevelDebug {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.logLevel >= LogLevelInfo {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.logLevel >= LogLevelError {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) Debug() bool { return l.logLevel >= LogLevelDebug }

func (l *defaultLogger) logMessage(format string, args ...interface{}) {
	var pre string
	if l.timeFormat != "" {
		pre = time.Now().Format(l.timeFormat) + " "
	}
	if l.prefix != "" {
		pre += l.prefix + " "
	}
	log.Printf(pre+format, args...)
}

func (l *defaultLogger) WithPrefix(prefix string) Logger {
	if l.prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	return &defaultLogger{prefix: prefix, logLevel: l.logLevel, timeFormat: l.timeFormat}
}

func (l *defaultLogger) SetLogLevel(level LogLevel) { l.logLevel = level }

func (l *defaultLogger) SetLogTimeFormat(format string) {
	log.SetFlags(0)
	l.timeFormat = format
}

// NopLogger discards everything, used when a Config doesn't set a Logger.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (*nopLogger) Debugf(string, ...interface{}) {}
func (*nopLogger) Infof(string, ...interface{})  {}
func (*nopLogger) Errorf(string, ...interface{}) {}
func (*nopLogger) WithPrefix(string) Logger       { return &nopLogger{} }
func (*nopLogger) SetLogLevel(LogLevel)           {}
func (*nopLogger) SetLogTimeFormat(string)        {}
func (*nopLogger) Debug() bool                    { return false }

var _ fmt.Stringer = LogLevel(0)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "nothing"
	}
}

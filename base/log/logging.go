package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"
)

// Severity describes a log level.
type Severity uint32

// Log Levels.
const (
	TraceLevel    Severity = 1
	DebugLevel    Severity = 2
	InfoLevel     Severity = 3
	WarningLevel  Severity = 4
	ErrorLevel    Severity = 5
	CriticalLevel Severity = 6
)

func (s Severity) toSLogLevel() slog.Level {
	// Convert to slog level.
	switch s {
	case TraceLevel:
		return slog.LevelDebug - 4
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarningLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case CriticalLevel:
		return slog.LevelError + 4
	}
	// Failed to convert, return default log level
	return slog.LevelWarn
}

// Name returns the name of the log level.
func (s Severity) Name() string {
	switch s {
	case TraceLevel:
		return "trace"
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarningLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "none"
	}
}

// ParseLevel returns the level severity of a log level name.
func ParseLevel(level string) Severity {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warning", "warn":
		return WarningLevel
	case "error":
		return ErrorLevel
	case "critical":
		return CriticalLevel
	}
	return 0
}

var (
	logLevel = new(atomic.Uint32)

	// handlerLevel is shared with the slog handler, so that level changes
	// apply without rebuilding the handler.
	handlerLevel = new(slog.LevelVar)

	initializing = abool.NewBool(false)
	started      = abool.NewBool(false)
	shutdownFlag = abool.NewBool(false)
)

func init() {
	logLevel.Store(uint32(InfoLevel))
}

// GetLogLevel returns the current log level.
func GetLogLevel() Severity {
	return Severity(logLevel.Load())
}

// SetLogLevel sets a new log level.
func SetLogLevel(level Severity) {
	logLevel.Store(uint32(level))
	handlerLevel.Set(level.toSLogLevel())
}

// IsVerbose reports whether debug output is enabled.
func IsVerbose() bool {
	return GetLogLevel() <= DebugLevel
}

// SetVerbose toggles between debug and info level.
func SetVerbose(on bool) {
	if on {
		SetLogLevel(DebugLevel)
	} else {
		SetLogLevel(InfoLevel)
	}
}

// Start starts the logging system. Must be called in order to see logs.
func Start(level string, logToStdout bool, logDir string) (err error) {
	if !initializing.SetToIf(false, true) {
		return nil
	}

	// Parse log level argument.
	initialLogLevel := InfoLevel
	if level != "" {
		initialLogLevel = ParseLevel(level)
		if initialLogLevel == 0 {
			fmt.Fprintf(os.Stderr, "log warning: invalid log level %q, falling back to level info\n", level)
			initialLogLevel = InfoLevel
		}
	}

	// Setup writer.
	if logToStdout || logDir == "" {
		GlobalWriter = NewStderrWriter()
	} else {
		GlobalWriter, err = NewFileWriter(logDir)
		if err != nil {
			return fmt.Errorf("failed to initialize log file: %w", err)
		}
	}

	SetLogLevel(initialLogLevel)
	setupSLog(GlobalWriter)
	started.Set()

	// Delete all logs older than one month.
	if !GlobalWriter.IsTerminal() && logDir != "" && !logToStdout {
		if err := CleanOldLogs(logDir, 30*24*time.Hour); err != nil {
			Warningf("log: failed to clean old log files: %s", err)
		}
	}

	return nil
}

// Shutdown stops the log system and closes the log file, if any.
func Shutdown() {
	if shutdownFlag.SetToIf(false, true) {
		GlobalWriter.Close()
	}
}

func logf(level Severity, format string, args ...any) {
	slog.Log(context.Background(), level.toSLogLevel(), fmt.Sprintf(format, args...))
}

// Debugf is used to log debug messages.
func Debugf(format string, args ...any) { logf(DebugLevel, format, args...) }

// Infof is used to log informational messages.
func Infof(format string, args ...any) { logf(InfoLevel, format, args...) }

// Warningf is used to log warnings.
func Warningf(format string, args ...any) { logf(WarningLevel, format, args...) }

// Errorf is used to log errors.
func Errorf(format string, args ...any) { logf(ErrorLevel, format, args...) }

package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// GlobalWriter is the global log writer.
var GlobalWriter *LogWriter

// LogWriter serializes log output to a file or a standard stream.
type LogWriter struct {
	writeLock sync.Mutex
	isStd     bool
	terminal  bool
	file      *os.File
}

// NewStderrWriter creates a new log writer that writes to stderr.
// Stdout is kept free for the interactive control channel.
func NewStderrWriter() *LogWriter {
	return &LogWriter{
		file:     os.Stderr,
		isStd:    true,
		terminal: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
}

// NewFileWriter creates a new log writer that will write to a file.
// The file path will be <dir>/2006-01-02-15-04-05.log (with current date and time).
func NewFileWriter(dir string) (*LogWriter, error) {
	if err := os.MkdirAll(dir, 0o0750); err != nil {
		return nil, err
	}
	logFile := fmt.Sprintf("%s.log", time.Now().UTC().Format("2006-01-02-15-04-05"))
	file, err := os.Create(filepath.Join(dir, logFile))
	if err != nil {
		return nil, err
	}
	return &LogWriter{
		file: file,
	}, nil
}

// Write writes the buffer to the writer.
func (l *LogWriter) Write(buf []byte) (int, error) {
	if l == nil {
		return 0, errors.New("log writer not initialized")
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	return l.file.Write(buf)
}

// IsTerminal returns whether the writer is attached to a terminal.
func (l *LogWriter) IsTerminal() bool {
	return l != nil && l.terminal
}

// Close closes the writer.
func (l *LogWriter) Close() {
	if l != nil && !l.isStd {
		_ = l.file.Close()
	}
}

// CleanOldLogs clean all logs in dir that are older then threshold.
func CleanOldLogs(dir string, threshold time.Duration) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		logDateStr := strings.TrimSuffix(f.Name(), ".log")
		logDate, err := time.Parse("2006-01-02-15-04-05", logDateStr)
		if err != nil {
			continue
		}

		if logDate.Add(threshold).Before(time.Now()) {
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
	return nil
}

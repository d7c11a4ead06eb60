package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger appends timestamped operational messages to a file. Safe
// for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens (or creates) the log file for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s %s\n", timestamp, fmt.Sprintf(format, args...))
}

// LogV writes the message only when the shared verbosity reaches
// the given level.
func (l *FileLogger) LogV(level int, format string, args ...interface{}) {
	if !V(level) {
		return
	}
	l.Log(format, args...)
}

// Close closes the log file. Further Log calls are dropped.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Package logging provides the shared verbosity level, a protocol-
// filtered debug logger with hex dumps, and a plain file logger for
// operational messages.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// verbosity is the single shared chattiness level, 0..10. Zero is
// silent except for errors; 10 logs everything.
var verbosity atomic.Int32

// SetVerbosity sets the shared verbosity level, clamped to 0..10.
func SetVerbosity(level int) {
	if level < 0 {
		level = 0
	}
	if level > 10 {
		level = 10
	}
	verbosity.Store(int32(level))
}

// Verbosity returns the shared verbosity level.
func Verbosity() int {
	return int(verbosity.Load())
}

// V reports whether messages at the given level should be emitted.
func V(level int) bool {
	return Verbosity() >= level
}

// DebugLogger writes verbose protocol traces to a dedicated file. It
// is meant for troubleshooting wire-level issues: dropped sessions,
// malformed frames, routing failures.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // protocol filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Protocol names accepted by the filter.
var knownProtocols = []string{
	"eip",
	"cip",
	"scan",
	"mqtt",
	"kafka",
	"valkey",
	"web",
	"debug",
}

// KnownProtocols lists the filterable protocol names.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}
	logger.Log("debug", "debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to a comma-separated protocol list.
// Empty means log all. The "scan" filter pulls in "eip" and "cip"
// since a scan problem is usually a wire problem.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" || filter == "all" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		switch p {
		case "scan":
			l.filters["eip"] = true
			l.filters["cip"] = true
		case "cip":
			l.filters["eip"] = true
		}
	}
}

// shouldLog is called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

// SetGlobalDebugLogger installs the process-wide debug logger.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, protocol, fmt.Sprintf(format, args...))
}

// LogTX logs a transmitted packet with hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a received packet with hex dump.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n%s\n", timestamp, protocol, direction, len(data), hexDump(data))
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] debug logging ended\n", timestamp)
	return l.file.Close()
}

// hexDump renders data as offset, hex bytes in two groups of 8, and
// the ASCII column.
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global helpers used by the protocol packages. Each is a no-op until
// a global debug logger is installed.

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(protocol, data)
	}
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(protocol, data)
	}
}

// DebugConnect logs a connection attempt.
func DebugConnect(protocol, address string) {
	DebugLog(protocol, "CONNECT to %s", address)
}

// DebugConnectSuccess logs a successful connection.
func DebugConnectSuccess(protocol, address, details string) {
	DebugLog(protocol, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError logs a connection failure.
func DebugConnectError(protocol, address string, err error) {
	DebugLog(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a disconnection.
func DebugDisconnect(protocol, address, reason string) {
	DebugLog(protocol, "DISCONNECT from %s: %s", address, reason)
}

// DebugError logs an error with context.
func DebugError(protocol, context string, err error) {
	DebugLog(protocol, "ERROR in %s: %v", context, err)
}

package mcp

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxLogEntries bounds the number of retained log entries per server.
	MaxLogEntries = 100

	// MaxLogMessageLen bounds the length of a single log message.
	MaxLogMessageLen = 1000

	logTruncationMark = "…"
)

// LogLevel classifies a captured log line.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEntry is one captured log line from a server process.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LogBuffer is a bounded ring of recent per-server log lines.
// Insertion evicts the oldest entry once the cap is reached.
// Safe for concurrent use.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLogBuffer creates an empty log buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Append adds an entry, truncating overlong messages and evicting the
// oldest entry when full.
func (b *LogBuffer) Append(level LogLevel, message string, metadata map[string]any) {
	if len(message) > MaxLogMessageLen {
		cut := MaxLogMessageLen
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut] + logTruncationMark
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	if len(b.entries) > MaxLogEntries {
		b.entries = b.entries[len(b.entries)-MaxLogEntries:]
	}
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear discards all buffered entries.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// classifyLogLine maps a raw stderr line to a log level by substring match.
func classifyLogLine(line string) LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return LogLevelError
	case strings.Contains(lower, "warn"):
		return LogLevelWarning
	default:
		return LogLevelInfo
	}
}

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger provides leveled logging with secret redaction. Components never
// write provider secrets through it: values registered with Protect are
// scrubbed from every formatted message before it reaches the sink.
type Logger struct {
	debug   bool
	noColor bool
	out     io.Writer

	mu      sync.RWMutex
	guarded []string
}

// New creates a new logger instance writing to stderr.
func New(debug, noColor bool) *Logger {
	return &Logger{
		debug:   debug,
		noColor: noColor,
		out:     os.Stderr,
	}
}

// NewWithWriter creates a logger with a custom sink, used in tests.
func NewWithWriter(debug, noColor bool, out io.Writer) *Logger {
	return &Logger{
		debug:   debug,
		noColor: noColor,
		out:     out,
	}
}

// Protect registers a sensitive value to be scrubbed from all future output.
// Trivially short values are ignored to avoid redacting common substrings.
func (l *Logger) Protect(secret string) {
	if len(secret) <= 3 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.guarded = append(l.guarded, secret)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit("\033[32m✓\033[0m", "✓", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit("\033[33m⚠\033[0m", "⚠", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit("\033[31m✗\033[0m", "✗", format, args...)
}

// Debug logs a debug message if debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.emit("\033[36m[DEBUG]\033[0m", "[DEBUG]", format, args...)
}

func (l *Logger) emit(colorPrefix, plainPrefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	l.mu.RLock()
	guarded := l.guarded
	l.mu.RUnlock()
	msg = Redact(msg, guarded)

	prefix := plainPrefix
	if !l.noColor {
		prefix = colorPrefix
	}
	fmt.Fprintf(l.out, "%s %s\n", prefix, msg)
}

// Secret represents a value that should be redacted in logs.
type Secret string

// String implements the Stringer interface, always returning a redacted value.
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED].
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 {
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}

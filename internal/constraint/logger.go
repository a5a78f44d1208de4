package constraint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// LogLevel selects how much per-sequence log text a constraint buffers for
// the client.
type LogLevel int

// Log levels in increasing verbosity. LogJSON is verbose and also emits
// machine-readable progress lines.
const (
	LogSilent LogLevel = iota
	LogWarning
	LogVerbose
	LogJSON
)

// ParseLogLevel parses a client-supplied level name. The empty string selects
// LogWarning.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "silent", "0":
		return LogSilent, nil
	case "", "warning", "1":
		return LogWarning, nil
	case "verbose", "2":
		return LogVerbose, nil
	case "json":
		return LogJSON, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogSilent:
		return "silent"
	case LogWarning:
		return "warning"
	case LogVerbose:
		return "verbose"
	case LogJSON:
		return "json"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

func (l LogLevel) verbosity() int {
	return min(int(l), 2)
}

// Logger buffers log text for one sequence and mirrors it to the process
// logger up to a separate stderr verbosity. It is owned by a single
// constraint and is not safe for concurrent use.
type Logger struct {
	buffered     int
	jsonProgress bool
	stderr       int
	out          *slog.Logger
	buf          strings.Builder
}

// NewLogger creates a logger buffering at level and mirroring to out at
// stderrLevel. out may be nil.
func NewLogger(level LogLevel, stderrLevel int, out *slog.Logger) *Logger {
	return &Logger{
		buffered:     level.verbosity(),
		jsonProgress: level == LogJSON,
		stderr:       stderrLevel,
		out:          out,
	}
}

// Warn records a warning line.
func (l *Logger) Warn(format string, args ...any) {
	l.write(1, format, args...)
}

// Info records a verbose line.
func (l *Logger) Info(format string, args ...any) {
	l.write(2, format, args...)
}

func (l *Logger) write(verbosity int, format string, args ...any) {
	if verbosity > l.buffered && (l.out == nil || verbosity > l.stderr) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if verbosity <= l.buffered {
		if verbosity == 1 {
			l.buf.WriteString("Warning: ")
		}
		l.buf.WriteString(msg)
		l.buf.WriteByte('\n')
	}
	if l.out != nil && verbosity <= l.stderr {
		if verbosity == 1 {
			l.out.Warn(msg, "source", "constraint")
		} else {
			l.out.Debug(msg, "source", "constraint")
		}
	}
}

// Progress appends a JSON line when the logger was created with LogJSON.
func (l *Logger) Progress(v any) {
	if !l.jsonProgress {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		l.Warn("encode progress: %v", err)
		return
	}
	l.buf.WriteString("JSON-OUT: ")
	l.buf.Write(b)
	l.buf.WriteByte('\n')
}

// Flush returns and clears the buffered text.
func (l *Logger) Flush() string {
	s := l.buf.String()
	l.buf.Reset()
	return s
}

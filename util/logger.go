// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

var tagColors = map[string]*color.Color{
	"ERR": color.New(color.FgRed, color.Bold),
	"WRN": color.New(color.FgYellow),
	"INF": color.New(color.FgGreen),
	"VRB": color.New(color.FgCyan),
	"DBG": color.New(color.FgHiBlack),
}

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.  An optional file sink receives every message
// that passes the level filter, always timestamped and uncoloured.
type Logger struct {
	level      atomic.Int32
	output     io.Writer
	sink       io.Writer
	mu         sync.Mutex
	timestamps bool // if true, prepend timestamps on output
	colored    bool
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		output:     os.Stderr,
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		colored:    term.IsTerminal(int(os.Stderr.Fd())),
	}
	l.level.Store(int32(verbosity))
	return l
}

// SetLevel changes the verbosity.  It is safe to call while other
// goroutines are logging.
func (l *Logger) SetLevel(verbosity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level.Store(int32(verbosity))
	if verbosity >= 3 {
		l.timestamps = true
	}
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).  Colour
// is disabled for writers that are not a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	f, ok := w.(*os.File)
	l.colored = ok && term.IsTerminal(int(f.Fd()))
}

// SetSink attaches a secondary writer, typically the run log file.
// Passing nil detaches it.
func (l *Logger) SetSink(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = w
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return LogLevel(l.level.Load()) }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.Level() >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.Level() >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.Level() >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.Level() >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	tag := "[" + level + "]"
	if l.colored {
		if c, ok := tagColors[level]; ok {
			tag = c.Sprint(tag)
		}
	}
	if l.timestamps {
		fmt.Fprintf(l.output, "%s %s %s\n", now.Format("15:04:05.000"), tag, msg)
	} else {
		fmt.Fprintf(l.output, "%s %s\n", tag, msg)
	}

	if l.sink != nil {
		fmt.Fprintf(l.sink, "%s [%s] %s\n", now.Format(time.RFC3339), level, msg)
	}
}

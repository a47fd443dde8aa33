// Package logging builds the process logger from the environment.
//
//	BILIFT_LOG_LEVEL    debug, info, warn or error (default: warn)
//	BILIFT_LOG_PREFIX   prefix of every line (default: "bilift ")
//	BILIFT_LOG_TO_FILE  "1" writes to a timestamped file instead of stderr
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// ParseLevel maps a level name to a log level. Empty or unknown names give
// the warn level, which keeps lifting quiet unless something was skipped.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "error":
		return log.ErrorLevel
	}
	return log.WarnLevel
}

// NewLoggerWithWriter creates a logger writing to w at the level named by
// BILIFT_LOG_LEVEL.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           ParseLevel(os.Getenv("BILIFT_LOG_LEVEL")),
	})

	prefix := os.Getenv("BILIFT_LOG_PREFIX")
	if prefix == "" {
		prefix = "bilift "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a logger configured from the environment.
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("BILIFT_LOG_TO_FILE") == "1" {
		logFile := fmt.Sprintf("bilift-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
		// If file creation fails, fall back to stderr
	}

	return NewLoggerWithWriter(output)
}

// RecoverPanic logs a panic in the named goroutine with its stack, runs
// cleanup and re-panics. Use it deferred.
func RecoverPanic(lg *log.Logger, name string, cleanup func()) {
	r := recover()
	if r == nil {
		return
	}
	if lg != nil {
		lg.Error(fmt.Sprintf("Panic in %s", name), "panic", r, "stack", string(debug.Stack()))
	}
	if cleanup != nil {
		cleanup()
	}
	panic(r)
}

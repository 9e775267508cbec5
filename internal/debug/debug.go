// Package debug owns devbridge's process-wide log sink. Components get a
// logr.Logger named after themselves; verbose (V(1)) lines only appear when
// debug mode is on.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// EnvVar turns debug mode on when set to a non-empty value.
const EnvVar = "DEVBRIDGE_DEBUG"

// verboseLevel is the highest V level printed in debug mode.
const verboseLevel = 2

var (
	enabled atomic.Bool

	logFile     *os.File
	logFileMu   sync.Mutex
	logFilePath string

	std = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	if os.Getenv(EnvVar) != "" {
		Enable()
	}
}

// Enable turns on verbose logging.
func Enable() {
	enabled.Store(true)
	stdr.SetVerbosity(verboseLevel)
}

// Disable turns verbose logging back off. Info and Error lines still print.
func Disable() {
	enabled.Store(false)
	stdr.SetVerbosity(0)
}

// IsEnabled reports whether debug mode is on.
func IsEnabled() bool {
	return enabled.Load()
}

// Logger returns a logger for component, written to stderr and the log file
// if one is set.
func Logger(component string) logr.Logger {
	return stdr.NewWithOptions(std, stdr.Options{LogCaller: stdr.None}).WithName(component)
}

// SetOutput redirects every logger returned by Logger. Used by tests and by
// the MCP server, which must keep stdout clean.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// SetLogFile mirrors log output into name under the user's cache directory.
// An empty name restores stderr only.
func SetLogFile(name string) error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if name == "" {
		std.SetOutput(os.Stderr)
		logFilePath = ""
		return nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	logDir := filepath.Join(cacheDir, "devbridge", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath = filepath.Join(logDir, name)
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f
	std.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// LogFilePath returns the current log file path, or empty if not set.
func LogFilePath() string {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	return logFilePath
}

// Close closes the log file if open.
func Close() {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		std.SetOutput(os.Stderr)
	}
}

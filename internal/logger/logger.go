// Package logger provides the process-wide structured logger.
// All components log through this facade so that level and format changes
// from configuration (including hot reloads) take effect everywhere at once.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu   sync.RWMutex
	root = build("info", "text")
)

func build(level, format string) hclog.Logger {
	lvl := hclog.LevelFromString(strings.ToLower(level))
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "loist",
		Level:      lvl,
		JSONFormat: strings.EqualFold(format, "json"),
		// stderr keeps the stdio tool transport clean: stdout carries only
		// tool responses when LOIST_TRANSPORT=stdio.
		Output: os.Stderr,
	})
}

// Configure replaces the process logger. Called at startup and again on
// configuration reload.
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	root = build(level, format)
}

func get() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a sub-logger for a component, e.g. logger.Named("ingest").
func Named(name string) hclog.Logger {
	return get().Named(name)
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, args ...interface{}) {
	get().Debug(msg, args...)
}

// Info logs at info level with alternating key/value pairs.
func Info(msg string, args ...interface{}) {
	get().Info(msg, args...)
}

// Warn logs at warn level with alternating key/value pairs.
func Warn(msg string, args ...interface{}) {
	get().Warn(msg, args...)
}

// Error logs at error level with alternating key/value pairs.
func Error(msg string, args ...interface{}) {
	get().Error(msg, args...)
}

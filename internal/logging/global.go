package logging

import (
	"sync/atomic"
)

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// Configure builds a logger from config strings, installs it as the global
// logger and returns it. Typically called once during startup.
func Configure(level, format string) *Logger {
	l := New(Config{Level: ParseLevel(level), Format: ParseFormat(format)})
	SetGlobal(l)
	return l
}

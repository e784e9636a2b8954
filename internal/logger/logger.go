// Package logger provides the leveled logger used across dbtlens.
//
// Everything goes to stderr: in stdio mode stdout carries JSON-RPC frames.
// Callers prefix messages with their component in brackets, e.g. "[engine]".
package logger

import (
	"io"
	"log"
	"os"
	"sync"
)

// Logger writes info and error messages always and debug messages only when
// verbose is enabled.
type Logger struct {
	mu      sync.RWMutex
	verbose bool
	info    *log.Logger
	debug   *log.Logger
	error   *log.Logger
}

var defaultLogger = New(false, os.Stderr)

// New creates a logger writing to output.
func New(verbose bool, output io.Writer) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmsgprefix
	return &Logger{
		verbose: verbose,
		info:    log.New(output, "[INFO]  ", flags),
		debug:   log.New(output, "[DEBUG] ", flags),
		error:   log.New(output, "[ERROR] ", flags),
	}
}

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// SetVerbose toggles debug output.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

// IsVerbose reports whether debug output is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

func (l *Logger) Info(format string, args ...any) {
	l.info.Printf(format, args...)
}

// Debug logs only when verbose is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if l.IsVerbose() {
		l.debug.Printf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...any) {
	l.error.Printf(format, args...)
}

// SetVerbose toggles debug output on the default logger.
func SetVerbose(verbose bool) {
	defaultLogger.SetVerbose(verbose)
}

// IsVerbose reports whether the default logger is verbose.
func IsVerbose() bool {
	return defaultLogger.IsVerbose()
}

// Info logs through the default logger.
func Info(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

// Debug logs through the default logger when verbose is enabled.
func Debug(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

// Error logs through the default logger.
func Error(format string, args ...any) {
	defaultLogger.Error(format, args...)
}

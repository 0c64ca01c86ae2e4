// Package logging provides the structured logger shared by every mKTL
// component: daemons, registry brokers, and client connections all take
// one of these at construction time rather than calling the log package
// directly.
package logging

import "log"

// Logger is the canonical structured logging interface used throughout
// mKTL. It mirrors the shape every component already expects, so a
// caller can plug in any backend (stdlib log, a structured logger, a
// test recorder) without changing call sites.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// stdLogger wraps the standard library log package.
type stdLogger struct {
	prefix string
}

// NewStdLogger returns a Logger backed by the standard library log
// package, tagging every line with prefix (e.g. the component name).
func NewStdLogger(prefix string) Logger {
	return &stdLogger{prefix: prefix}
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %s %v", l.prefix, msg, keysAndValues)
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %s %v", l.prefix, msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %s %v", l.prefix, msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %s %v", l.prefix, msg, keysAndValues)
}

// noopLogger discards everything. Useful in tests that don't want
// console noise.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Noop returns a Logger that discards all output.
func Noop() Logger { return noopLogger{} }

package telemetry

import "log/slog"

// Logger is the minimal logging interface threaded through the runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts slog to the Logger interface, tagging every record with
// the owning component.
type slogLogger struct {
	component string
	l         *slog.Logger
}

// NewLogger returns a Logger backed by the default slog handler.
func NewLogger(component string) Logger {
	return &slogLogger{component: component, l: slog.Default()}
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.l.Debug(msg, append([]any{"component", l.component}, args...)...)
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.l.Info(msg, append([]any{"component", l.component}, args...)...)
}

func (l *slogLogger) Warn(msg string, args ...any) {
	l.l.Warn(msg, append([]any{"component", l.component}, args...)...)
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.l.Error(msg, append([]any{"component", l.component}, args...)...)
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

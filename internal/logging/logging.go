// Package logging provides the context-scoped logger used throughout
// the server, modeled on the teacher's repo/logging package: a Logger
// interface, a Module() constructor that returns a context accessor,
// and WithLogger() to inject a concrete sink into a context. The
// concrete sink wraps go.uber.org/zap instead of a bare io.Writer,
// since the server runs long enough to benefit from leveled, field-
// structured output.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the minimal logging surface every package depends on.
type Logger interface {
	Debug(msg string, args ...interface{})
	Debugw(msg string, keyValues ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// GetLoggerForModuleFunc returns a context-bound Logger for one module
// name; it is what Module() produces and what WithLogger() installs.
type GetLoggerForModuleFunc func(ctx context.Context) Logger

type loggerKey struct{}

// WithLogger attaches a logger factory to ctx; Module() calls against
// descendant contexts will use it instead of the null logger.
func WithLogger(ctx context.Context, f func(module string) Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, f)
}

// Module returns an accessor bound to one module name; calling it with
// a context produces a Logger, falling back to a null logger when no
// sink was installed with WithLogger.
func Module(module string) GetLoggerForModuleFunc {
	return func(ctx context.Context) Logger {
		if f, ok := ctx.Value(loggerKey{}).(func(string) Logger); ok {
			return f(module)
		}

		return nullLogger{}
	}
}

type nullLogger struct{}

func (nullLogger) Debug(string, ...interface{})  {}
func (nullLogger) Debugw(string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})   {}
func (nullLogger) Warn(string, ...interface{})   {}
func (nullLogger) Error(string, ...interface{})  {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (z zapLogger) Debug(msg string, args ...interface{}) { z.s.Debugf(msg, args...) }
func (z zapLogger) Info(msg string, args ...interface{})  { z.s.Infof(msg, args...) }
func (z zapLogger) Warn(msg string, args ...interface{})  { z.s.Warnf(msg, args...) }
func (z zapLogger) Error(msg string, args ...interface{}) { z.s.Errorf(msg, args...) }

func (z zapLogger) Debugw(msg string, keyValues ...interface{}) {
	z.s.Debugw(msg, keyValues...)
}

// NewZapSink builds the func(module string) Logger factory expected by
// WithLogger, scoping every emitted record with the module name and
// any extra static fields (e.g. a session log-scope prefix).
func NewZapSink(base *zap.Logger, fields ...interface{}) func(module string) Logger {
	sugar := base.Sugar()
	if len(fields) > 0 {
		sugar = sugar.With(fields...)
	}

	return func(module string) Logger {
		return zapLogger{s: sugar.With("module", module)}
	}
}

// Scoped returns a context carrying a logger sink that tags every record
// with scope. Sessions do not carry a log scope of their own; worker-pool
// goroutines tag their records with their pool name and worker index.
func Scoped(ctx context.Context, base *zap.Logger, scope string) context.Context {
	return WithLogger(ctx, NewZapSink(base, "scope", scope))
}

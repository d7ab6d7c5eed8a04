package telemetry

import (
	"fmt"
	"log"
	"sync"

	"github.com/rs/zerolog"
)

// Logger exposes the logging capabilities required by server components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// NopLogger discards every message.
func NopLogger() Logger {
	return LoggerFunc(func(string, ...any) {})
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// WrapZerolog adapts a zerolog logger to the Logger interface. Messages are
// written at the provided level.
func WrapZerolog(logger zerolog.Logger, level zerolog.Level) Logger {
	return &zerologAdapter{logger: logger, level: level}
}

type zerologAdapter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (z *zerologAdapter) Printf(format string, args ...any) {
	if z == nil {
		return
	}
	z.logger.WithLevel(z.level).Msg(fmt.Sprintf(format, args...))
}

// Metrics exposes the telemetry methods required by server components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// NopMetrics drops every sample.
func NopMetrics() Metrics {
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// Counters is an in-memory Metrics implementation used by the diagnostics
// endpoint and by tests.
type Counters struct {
	mu     sync.Mutex
	values map[string]uint64
}

// Add implements Metrics.
func (c *Counters) Add(key string, delta uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]uint64)
	}
	c.values[key] += delta
}

// Store implements Metrics.
func (c *Counters) Store(key string, value uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]uint64)
	}
	c.values[key] = value
}

// Snapshot returns a copy of every recorded value.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Fanout forwards every sample to each non-nil target.
func Fanout(targets ...Metrics) Metrics {
	filtered := make(fanout, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

type fanout []Metrics

func (f fanout) Add(key string, delta uint64) {
	for _, m := range f {
		m.Add(key, delta)
	}
}

func (f fanout) Store(key string, value uint64) {
	for _, m := range f {
		m.Store(key, value)
	}
}

package app

import (
	"io"
	"log/slog"
	"time"

	"variantlab/internal/metrics"
)

// Clock supplies the current time; tests inject a fixed clock
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }

func clockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

func metricsOrPrivate(m *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return metrics.NewUnregistered()
	}
	return m
}

package softphone

import (
	"log/slog"
	"time"
)

const (
	// DefaultLineCount - размер пула линий по умолчанию.
	DefaultLineCount = 3

	// DefaultOperationTimeout - максимальное время ожидания терминального
	// исхода сигнальной операции (соответствует Timer B/F из RFC 3261).
	DefaultOperationTimeout = 32 * time.Second
)

// Option настраивает Engine при создании.
type Option func(*Engine)

// WithLineCount задает размер пула линий N (N >= 1).
// Значения меньше 1 игнорируются.
func WithLineCount(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.lineCount = n
		}
	}
}

// WithLogger задает логгер движка.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithMetrics подключает сборщик метрик.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithOperationTimeout задает таймаут ожидания исхода сигнальных операций.
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

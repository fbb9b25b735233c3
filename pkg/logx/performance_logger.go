package logx

import (
	"sync"
	"time"
)

// PerformanceLogger tracks durations of named operations and logs slow or failed ones
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric is the running summary of one operation
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	InFlight      int64         `json:"in_flight"`
	MaxInFlight   int64         `json:"max_in_flight"`
}

// AvgDuration returns the mean duration of completed operations
func (m PerformanceMetric) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// Operation is a single tracked execution
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger; completions slower than
// slowThreshold are logged at info level
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	if slowThreshold <= 0 {
		slowThreshold = time.Second
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// Start begins tracking an operation
func (pl *PerformanceLogger) Start(name string) *Operation {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	m, ok := pl.metrics[name]
	if !ok {
		m = &PerformanceMetric{Name: name}
		pl.metrics[name] = m
	}
	m.InFlight++
	if m.InFlight > m.MaxInFlight {
		m.MaxInFlight = m.InFlight
	}

	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation and returns its duration
func (op *Operation) Complete(err error) time.Duration {
	d := time.Since(op.start)
	pl := op.pl

	pl.mu.Lock()
	m := pl.metrics[op.name]
	m.InFlight--
	m.Count++
	m.TotalDuration += d
	m.LastExecuted = time.Now()
	if m.MinDuration == 0 || d < m.MinDuration {
		m.MinDuration = d
	}
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	if err != nil {
		m.ErrorCount++
	}
	count, errCount := m.Count, m.ErrorCount
	pl.mu.Unlock()

	switch {
	case err != nil:
		pl.logger.Warn("Operation failed",
			"operation", op.name,
			"duration", d.String(),
			"error", err,
			"errors", errCount,
			"total", count)
	case d > pl.slowThreshold:
		pl.logger.Info("Slow operation",
			"operation", op.name,
			"duration", d.String(),
			"threshold", pl.slowThreshold.String())
	}

	return d
}

// Metric returns a copy of the named metric
func (pl *PerformanceLogger) Metric(name string) (PerformanceMetric, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	m, ok := pl.metrics[name]
	if !ok {
		return PerformanceMetric{}, false
	}
	return *m, true
}

// Package metrics records gate decisions and execution timings.
package metrics

import (
	"time"
)

// Metric names recorded by the gate service.
const (
	Decisions        = "decisions_total"
	Errors           = "errors_total"
	ExecutionSeconds = "execution_seconds"
	ResultRows       = "result_rows"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer() Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop returns the elapsed time in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// StartTimer returns a timer that still measures elapsed time.
func (n *NoOpCollector) StartTimer() Timer {
	return &timer{start: time.Now()}
}

type timer struct {
	start time.Time
}

func (t *timer) Stop() float64 {
	return time.Since(t.start).Seconds()
}

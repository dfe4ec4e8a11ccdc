// Package observer defines metrics hooks for sandbox execution.
package observer

import "time"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	// ObserveLaunch is called once per container with the image mode (compile, run, ...)
	// and a short outcome label: "ok", "exit", "timeout", "output_limit" or "error".
	ObserveLaunch(mode string, outcome string, elapsed time.Duration)
	// ObserveCase is called once per runCase with the classified status.
	ObserveCase(language string, status string, timeMs int64)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) ObserveLaunch(string, string, time.Duration) {}

func (Nop) ObserveCase(string, string, int64) {}

var _ MetricsRecorder = Nop{}

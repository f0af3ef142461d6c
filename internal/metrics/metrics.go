// Package metrics implements the running averages and the throughput window logged
// by the search loop.
package metrics

import (
	"fmt"
	"time"
)

// Average accumulates a running mean of one tracked quantity (loss, accuracy, ...).
// It is reset on every log flush. Single writer, no concurrent access expected.
type Average struct {
	name  string
	sum   float64
	count int
}

// NewAverage returns an empty Average with the given display name.
func NewAverage(name string) *Average {
	return &Average{name: name}
}

// Update adds one measurement.
func (a *Average) Update(value float32) {
	a.sum += float64(value)
	a.count++
}

// Mean returns the current mean, or 0 if no measurement was recorded.
func (a *Average) Mean() float32 {
	if a.count == 0 {
		return 0
	}
	return float32(a.sum / float64(a.count))
}

// Reset drops all accumulated measurements.
func (a *Average) Reset() {
	a.sum = 0
	a.count = 0
}

// String implements fmt.Stringer, formatted for the periodic log line.
func (a *Average) String() string {
	return fmt.Sprintf("%s=%.5f", a.name, a.Mean())
}

// Window measures sample throughput between log flushes from wall-clock time.
type Window struct {
	start   time.Time
	samples int
}

// Record adds one step's batch to the window, starting the clock on the first call.
func (w *Window) Record(batchSize int) {
	if w.start.IsZero() {
		w.start = time.Now()
	}
	w.samples += batchSize
}

// Flush returns the samples/second since the last flush and resets the window.
func (w *Window) Flush() float64 {
	elapsed := time.Since(w.start)
	speed := 0.0
	if elapsed > 0 {
		speed = float64(w.samples) / elapsed.Seconds()
	}
	w.start = time.Now()
	w.samples = 0
	return speed
}

// Restart zeroes the window clock, e.g. at the start of an epoch.
func (w *Window) Restart() {
	w.start = time.Now()
	w.samples = 0
}

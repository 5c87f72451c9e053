// Package tracking reports run parameters and per-epoch metrics to an
// experiment tracking server speaking the MLflow REST protocol. The sink is
// passive: the training loop pushes observations, nothing flows back.
package tracking

import (
	"fmt"
	"io"
)

// Sink receives run observations. Implementations must never panic; per-call
// delivery failures are logged, not propagated.
type Sink interface {
	// LogMetric records one named scalar at a step.
	LogMetric(name string, value float64, step int)
	// LogParams records the immutable run parameters once at run start.
	LogParams(params map[string]interface{})
	// SetTag attaches a key/value annotation to the run.
	SetTag(key, value string)
	// Close flushes and terminates the run record.
	Close()
}

// HandshakeError reports that the tracking server never became reachable
// within the bounded connection attempts. It is fatal to run startup.
type HandshakeError struct {
	Attempts int
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tracking server unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// NoopSink discards everything. Used when tracking is disabled.
type NoopSink struct{}

func (NoopSink) LogMetric(string, float64, int)   {}
func (NoopSink) LogParams(map[string]interface{}) {}
func (NoopSink) SetTag(string, string)            {}
func (NoopSink) Close()                           {}

// Reporter writes a one-line observation per epoch to a stream for schedulers
// that parse worker stdout.
type Reporter struct {
	w io.Writer
}

// NewReporter builds a stream reporter.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Report emits one epoch observation. The wallclock ticker is a coarse
// integer clock that advances once per five minutes of run time, never zero.
func (r *Reporter) Report(epoch int, loss float64, wallclockSeconds float64) {
	fmt.Fprintf(r.w, "epoch=%d loss=%v wallclock_ticker=%d\n", epoch, loss, WallclockTicker(wallclockSeconds))
}

// WallclockTicker maps elapsed seconds to the coarse reporting clock.
func WallclockTicker(wallclockSeconds float64) int {
	ticker := int(wallclockSeconds) / 300
	if ticker < 1 {
		return 1
	}
	return ticker
}

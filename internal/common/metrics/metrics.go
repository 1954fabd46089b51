// Package metrics records service counters and latencies.
package metrics

import "time"

// Recorder records named counters and latencies. Label values not known to an
// implementation are dropped.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter and latency names.
const (
	Transition  = "payment_transition"
	StepOutcome = "payment_step"
	QuoteFetch  = "quote_fetch"
	StepExecute = "step_execute"
)

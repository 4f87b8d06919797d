// Package metrics defines the minimal metrics facade the pipeline emits
// through. The core code depends only on Backend; concrete backends live in
// subpackages and are selected at startup. The default backend is a nop, so
// instrumentation is free when metrics are disabled.
package metrics

import "sync/atomic"

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// holder keeps the stored concrete type constant, which atomic.Value
// requires even though the backends themselves vary.
type holder struct {
	b Backend
}

var backend atomic.Value

func init() { backend.Store(holder{nopBackend{}}) }

// SetBackend installs the process-wide backend. Call once at startup.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	backend.Store(holder{b})
}

func current() Backend { return backend.Load().(holder).b }

// IncCounter adds delta to a counter on the active backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records a sample on the active backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the active backend.
func Flush() error { return current().Flush() }

// Metric names emitted by the pipeline.
const (
	// PartitionsTotal counts (file, county) pairs by outcome status
	// ("ok", "empty", "failed").
	PartitionsTotal = "geosplit_partitions_total"

	// RecordsTotal counts rows written, labeled by output role
	// ("geometry", "attributes").
	RecordsTotal = "geosplit_records_total"

	// FallbacksTotal counts engine-to-library fallbacks taken.
	FallbacksTotal = "geosplit_fallbacks_total"

	// ExtractDurationSeconds samples extraction latency, labeled by the
	// execution path that produced the rows ("engine", "library").
	ExtractDurationSeconds = "geosplit_extract_duration_seconds"
)

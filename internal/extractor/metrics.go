package extractor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record sources for the records counter.
const (
	SourceFetch = "fetch"
	SourceCache = "cache"
)

// Metrics holds the extraction counters. Each Extractor owns its registry so
// runs in the same process do not share counts.
type Metrics struct {
	registry *prometheus.Registry

	AuditRows          prometheus.Counter
	ParseFailures      prometheus.Counter
	Records            *prometheus.CounterVec
	MultipleDownstream prometheus.Counter
}

// NewMetrics creates the counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuditRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leapaudit",
			Name:      "audit_rows_total",
			Help:      "Audit log rows read from the warehouse.",
		}),
		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leapaudit",
			Name:      "parse_failures_total",
			Help:      "Audit log rows that could not be parsed.",
		}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leapaudit",
			Name:      "records_total",
			Help:      "Records handed to the aggregator, by source.",
		}, []string{"source"}),
		MultipleDownstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leapaudit",
			Name:      "multiple_downstream_total",
			Help:      "Audit rows that modified more than one object.",
		}),
	}
}

// Registry returns the registry the counters are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the counters in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "packwire"

// Metrics counts provisioning outcomes in its own registry so a single CLI
// run can dump them to a node-exporter textfile.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the provisioning collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provision",
			Name:      "operations_total",
			Help:      "Dependency install operations by target kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Time spent installing dependencies, skipped installs excluded.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.operations, m.duration)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(kind string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome.String()).Inc()
	if outcome == OutcomeInstalled || outcome == OutcomeFailed {
		m.duration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// WriteTextfile writes the registry in the Prometheus text format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

// Package metrics counts tool invocations, retries, produced packages and
// excluded modules for one pipeline invocation and writes them in the
// Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "axbuild"

// Outcomes recorded for tool invocations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the counters of one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	toolInvocations *prometheus.CounterVec
	toolRetries     *prometheus.CounterVec
	packages        *prometheus.CounterVec
	modulesExcluded *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "External tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),

		toolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_retries_total",
			Help:      "Repeated attempts of external tool invocations.",
		}, []string{"tool"}),

		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages produced by package type.",
		}, []string{"type"}),

		modulesExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_excluded_total",
			Help:      "Modules left out of packaging by exclusion reason.",
		}, []string{"reason"}),
	}

	m.Registry.MustRegister(
		m.toolInvocations,
		m.toolRetries,
		m.packages,
		m.modulesExcluded,
	)
	return m
}

func (m *Metrics) ToolInvocation(tool string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.toolInvocations.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ToolRetry(tool string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(tool).Inc()
}

func (m *Metrics) PackageProduced(packageType string) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues(packageType).Inc()
}

func (m *Metrics) ModuleExcluded(reason string) {
	if m == nil {
		return
	}
	m.modulesExcluded.WithLabelValues(reason).Inc()
}

// WriteFile writes the registry to path in the text exposition format, as
// read by the node exporter textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// NewRegistry creates the process-wide Prometheus registry
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// NewFromRegistry creates the engine metric set on the registry
func NewFromRegistry(reg *prometheus.Registry) *Metrics {
	return New(reg)
}

// Module provides metrics for fx
var Module = fx.Options(
	fx.Provide(NewRegistry),
	fx.Provide(NewFromRegistry),
)

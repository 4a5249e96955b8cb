package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine activity for Prometheus scraping
type Metrics struct {
	OrdersProcessed *prometheus.CounterVec
	OrdersRejected  prometheus.Counter
	TradesExecuted  prometheus.Counter
	TradedVolume    prometheus.Counter
	EventsAppended  prometheus.Counter
	RestingOrders   prometheus.Gauge
	CommandLatency  prometheus.Histogram
}

// New creates the engine metric set and registers it with the given
// registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchengine",
			Name:      "orders_processed_total",
			Help:      "Commands processed, by command type",
		}, []string{"command"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchengine",
			Name:      "orders_rejected_total",
			Help:      "Commands rejected by validation",
		}),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchengine",
			Name:      "trades_executed_total",
			Help:      "Trades executed",
		}),
		TradedVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchengine",
			Name:      "traded_volume_total",
			Help:      "Total traded quantity",
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchengine",
			Name:      "events_appended_total",
			Help:      "Events appended to the store",
		}),
		RestingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchengine",
			Name:      "resting_orders",
			Help:      "Orders currently resting across all books",
		}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matchengine",
			Name:      "command_latency_seconds",
			Help:      "Command handling latency",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersProcessed,
			m.OrdersRejected,
			m.TradesExecuted,
			m.TradedVolume,
			m.EventsAppended,
			m.RestingOrders,
			m.CommandLatency,
		)
	}
	return m
}

// NewNop creates an unregistered metric set for tests
func NewNop() *Metrics {
	return New(nil)
}

// Package metrics exposes Prometheus metrics for the classification pipeline
// and the chat transports.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"meal-mate/backend/internal/pipeline"
)

// Metrics contains the Prometheus collectors of the service.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	FoodsTotal   *prometheus.CounterVec
	ChatEvents   *prometheus.CounterVec
	ChatReplies  *prometheus.CounterVec
	InsulinUnits prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealmate_pipeline_runs_total",
			Help: "Total pipeline runs partitioned by caller and outcome.",
		},
		[]string{"source", "outcome"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mealmate_pipeline_run_duration_seconds",
			Help:    "Time taken by a pipeline run, classifier call included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"source"},
	)
	m.FoodsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealmate_foods_identified_total",
			Help: "Successful dosage results partitioned by food label.",
		},
		[]string{"food"},
	)
	m.ChatEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealmate_chat_events_total",
			Help: "Chat events received partitioned by transport and kind.",
		},
		[]string{"transport", "kind"},
	)
	m.ChatReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealmate_chat_replies_total",
			Help: "Chat replies sent partitioned by transport and status.",
		},
		[]string{"transport", "status"},
	)
	m.InsulinUnits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mealmate_insulin_units",
			Help:    "Distribution of computed insulin doses.",
			Buckets: prometheus.LinearBuckets(0, 2, 15),
		},
	)
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun implements pipeline.Observer.
func (m *Metrics) ObserveRun(o pipeline.Outcome) {
	source := o.Source
	if source == "" {
		source = "unknown"
	}
	m.RunDuration.WithLabelValues(source).Observe(o.Duration.Seconds())
	if o.Err != nil {
		m.RunsTotal.WithLabelValues(source, outcomeLabel(o.Err)).Inc()
		return
	}
	m.RunsTotal.WithLabelValues(source, "success").Inc()
	m.FoodsTotal.WithLabelValues(o.Result.FoodName).Inc()
	m.InsulinUnits.Observe(o.Result.Insulin)
}

// RecordChatEvent counts an incoming chat event.
func (m *Metrics) RecordChatEvent(transport, kind string) {
	m.ChatEvents.WithLabelValues(transport, kind).Inc()
}

// RecordChatReply counts a reply attempt.
func (m *Metrics) RecordChatReply(transport string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.ChatReplies.WithLabelValues(transport, status).Inc()
}

func outcomeLabel(err error) string {
	kind := pipeline.KindOf(err)
	if kind == "" {
		return "error"
	}
	return string(kind)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.RunDuration.Describe(ch)
	m.FoodsTotal.Describe(ch)
	m.ChatEvents.Describe(ch)
	m.ChatReplies.Describe(ch)
	ch <- m.InsulinUnits.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.RunDuration.Collect(ch)
	m.FoodsTotal.Collect(ch)
	m.ChatEvents.Collect(ch)
	m.ChatReplies.Collect(ch)
	ch <- m.InsulinUnits
}

package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records delivery counters and latency histograms (spec §4.3
// item 5). Registered last, so its latency observation covers every
// earlier hook plus the handler. Because it is last, a deny from an
// earlier middleware (authorization, filter) never reaches it — those
// stages' own denial counts are the caller's responsibility to surface
// (e.g. via the gate's audit trace or subscription-level logging); the
// denied_total counter here only distinguishes a handler error from a
// deny that happened to be registered after this one.
type Metrics struct {
	Base
	delivered *prometheus.CounterVec
	denied    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewMetrics builds the metrics middleware, registering its collectors
// on reg. A nil reg skips registration, useful in tests that don't want
// global-registry collisions across cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogfabric",
			Subsystem: "bus",
			Name:      "delivered_total",
			Help:      "Events successfully handled by a subscription.",
		}, []string{"topic", "group"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogfabric",
			Subsystem: "bus",
			Name:      "denied_total",
			Help:      "Events not delivered to a handler: middleware denial or handler error.",
		}, []string{"topic", "group", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cogfabric",
			Subsystem: "bus",
			Name:      "handle_duration_seconds",
			Help:      "Time from chain entry to handler completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "group"}),
	}
	if reg != nil {
		reg.MustRegister(m.delivered, m.denied, m.latency)
	}
	return m
}

func (*Metrics) Name() string { return "metrics" }

func (m *Metrics) BeforeHandle(_ context.Context, dctx *DeliveryContext) (Verdict, error) {
	dctx.startedAt = time.Now()
	return Allowed(), nil
}

func (m *Metrics) AfterHandle(_ context.Context, dctx *DeliveryContext, handlerErr error) {
	if !dctx.startedAt.IsZero() {
		m.latency.WithLabelValues(dctx.Topic, dctx.Group).Observe(time.Since(dctx.startedAt).Seconds())
	}
	if handlerErr != nil {
		reason := "handler_error"
		if errors.Is(handlerErr, ErrDenied) {
			reason = "denied"
		}
		m.denied.WithLabelValues(dctx.Topic, dctx.Group, reason).Inc()
		return
	}
	m.delivered.WithLabelValues(dctx.Topic, dctx.Group).Inc()
}

// Package metrics owns the Prometheus registry for the relay. All
// counters and gauges live on a private registry so tests can create
// isolated instances and Render sees only our metrics.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every metric the relay exposes.
type Registry struct {
	reg *prometheus.Registry

	// WebSocket core.
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	MessagesInTotal   prometheus.Counter
	MessagesOutTotal  prometheus.Counter
	ErrorsTotal       prometheus.Counter

	// Long-polling.
	LPSessionsTotal         prometheus.Counter
	LPSessionsActive        prometheus.Gauge
	LPPollsTotal            prometheus.Counter
	LPMessagesEnqueuedTotal prometheus.Counter
	LPMessagesDrainedTotal  prometheus.Counter
	LPMessagesBuffered      prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Currently open WebSocket connections",
		}),
		MessagesInTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_in_total",
			Help: "Total messages read from clients",
		}),
		MessagesOutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_out_total",
			Help: "Total frames written to clients",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total session and handshake errors",
		}),

		LPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lp_sessions_total",
			Help: "Total long-polling sessions created",
		}),
		LPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lp_sessions_active",
			Help: "Currently live long-polling sessions",
		}),
		LPPollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lp_polls_total",
			Help: "Total poll operations",
		}),
		LPMessagesEnqueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lp_messages_enqueued_total",
			Help: "Total messages pushed into long-polling buffers",
		}),
		LPMessagesDrainedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lp_messages_drained_total",
			Help: "Total messages drained by poll",
		}),
		LPMessagesBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lp_messages_buffered",
			Help: "Messages currently held in long-polling buffers",
		}),
	}
}

// Render returns the registry in Prometheus text exposition format
// (v0.0.4): one HELP and TYPE line per metric followed by its sample.
func (r *Registry) Render() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode metric family %q: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// Handler serves GET /metrics from this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

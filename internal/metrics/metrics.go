// Package metrics holds the Prometheus collectors for the bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements engine.Observer and records fallback transitions.
type Metrics struct {
	registry *prometheus.Registry

	MessagesPolled      *prometheus.CounterVec
	RepliesSent         *prometheus.CounterVec
	DeliveryFailures    prometheus.Counter
	DedupDrops          prometheus.Counter
	CooldownSkips       prometheus.Counter
	RateLimitWaits      prometheus.Counter
	FallbackTransitions *prometheus.CounterVec
	QueueDepthGauge     prometheus.Gauge
	SendDuration        *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesPolled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpilot_messages_polled_total",
			Help: "Messages returned by polls",
		}, []string{"transport"}),
		RepliesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpilot_replies_sent_total",
			Help: "Replies delivered",
		}, []string{"transport"}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatpilot_delivery_failed_total",
			Help: "Messages dropped because no transport delivered the reply",
		}),
		DedupDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "chatpilot_dedup_dropped_total",
			Help: "Polled messages skipped as already processed",
		}),
		CooldownSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "chatpilot_cooldown_skips_total",
			Help: "Messages skipped because the sender was in cooldown",
		}),
		RateLimitWaits: f.NewCounter(prometheus.CounterOpts{
			Name: "chatpilot_rate_limit_waits_total",
			Help: "Pauses taken to stay within the send rate limit",
		}),
		FallbackTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpilot_fallback_transitions_total",
			Help: "Operation classes moved to the browser transport",
		}, []string{"class"}),
		QueueDepthGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatpilot_queue_depth",
			Help: "Messages waiting for a reply",
		}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatpilot_send_duration_seconds",
			Help:    "Time to deliver one reply",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"transport"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Polled(transport string, n int) {
	m.MessagesPolled.WithLabelValues(transport).Add(float64(n))
}

func (m *Metrics) Sent(transport string, d time.Duration) {
	m.RepliesSent.WithLabelValues(transport).Inc()
	m.SendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func (m *Metrics) DeliveryFailed()  { m.DeliveryFailures.Inc() }
func (m *Metrics) DedupDropped()    { m.DedupDrops.Inc() }
func (m *Metrics) CooldownSkipped() { m.CooldownSkips.Inc() }
func (m *Metrics) RateLimitWait()   { m.RateLimitWaits.Inc() }
func (m *Metrics) QueueDepth(n int) { m.QueueDepthGauge.Set(float64(n)) }

// FallbackTransition counts a class moving to the browser.
func (m *Metrics) FallbackTransition(class string) {
	m.FallbackTransitions.WithLabelValues(class).Inc()
}

// Package metrics holds the service's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Posting results.
const (
	PostingOK       = "ok"
	PostingRejected = "already_posted"
	PostingInvalid  = "invalid"
	PostingFailed   = "store_error"
)

type Metrics struct {
	postings       *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	fanoutDuration prometheus.Histogram
	alertFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg (skipped when reg is nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_postings_total",
			Help: "Attendance posting attempts by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_fanout_deliveries_total",
			Help: "Notification delivery attempts by outcome.",
		}, []string{"outcome"}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_fanout_duration_seconds",
			Help:    "Wall time of one notification fan-out, persistence included.",
			Buckets: prometheus.DefBuckets,
		}),
		alertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_alert_dispatch_failures_total",
			Help: "Attendance alerts that could not be handed to the notification stage.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.postings, m.deliveries, m.fanoutDuration, m.alertFailures)
	}
	return m
}

func (m *Metrics) Posting(result string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.fanoutDuration.Observe(d.Seconds())
}

func (m *Metrics) AlertFailure() {
	if m == nil {
		return
	}
	m.alertFailures.Inc()
}

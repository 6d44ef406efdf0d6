// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the counters the original exposes via loop_get_metrics,
// re-cast as Prometheus collectors so a Loop can be scraped the way
// apns2's governor exposes its waitCounter-derived stats.
type Metrics struct {
	Total          prometheus.Counter
	Queued         prometheus.Gauge
	Inactive       prometheus.Gauge
	RateLimited    prometheus.Gauge
	Refresh        prometheus.Gauge
	InFlight       prometheus.Gauge
	Completed      prometheus.Counter
	Failed         prometheus.Counter
	Retried        prometheus.Counter
	RateLimitWaits prometheus.Counter
}

// NewMetrics builds a Metrics set and registers it with reg. A nil
// registry uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submitted_total", Help: "Requests submitted or injected, mirroring loop_get_metrics' total counter.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queued_requests", Help: "Requests ready to run.",
		}),
		Inactive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inactive_requests", Help: "Requests waiting out a retry delay.",
		}),
		RateLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limited_requests", Help: "Requests waiting on a rate-limit bucket.",
		}),
		Refresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "refresh_requests", Help: "Completed requests waiting to re-run.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_requests", Help: "Requests currently being transported.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "completed_total", Help: "Requests that completed successfully.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_total", Help: "Requests that terminated in failure.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retried_total", Help: "Counted retry attempts made.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_waits_total", Help: "Times a request was deferred by a rate-limit bucket.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Total, m.Queued, m.Inactive, m.RateLimited, m.Refresh, m.InFlight,
		m.Completed, m.Failed, m.Retried, m.RateLimitWaits,
	} {
		_ = reg.Register(c)
	}
	return m
}

// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulkdistance"

var RowsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "resolver",
	Name:      "rows_total",
	Help:      "Rows resolved, by outcome.",
}, []string{"outcome"})

var APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "geoapify",
	Name:      "requests_total",
	Help:      "Requests sent to the geocoding/routing API, by endpoint and status class.",
}, []string{"endpoint", "status"})

var GeocodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "geoapify",
	Name:      "geocode_cache_hits_total",
	Help:      "Geocode lookups answered from the cache.",
})

var Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "upload",
	Name:      "files_total",
	Help:      "Uploaded batches, by source and result.",
}, []string{"source", "result"})

var Payments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payment",
	Name:      "orders_total",
	Help:      "Payment operations, by step and result.",
}, []string{"step", "result"})

var CreditedRows = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "quota",
	Name:      "credited_rows_total",
	Help:      "Rows added to ledgers by confirmed payments.",
})

var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "resolver",
	Name:      "batch_duration_seconds",
	Help:      "Wall time to resolve one uploaded batch.",
	Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
})

var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "session",
	Name:      "active",
	Help:      "Upload sessions currently held in memory.",
})

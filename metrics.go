package imgcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceMemory  = "memory"
	sourceDisk    = "disk"
	sourceNetwork = "network"
)

type metrics struct {
	lookups         *prometheus.CounterVec
	failures        *prometheus.CounterVec
	corruptEntries  prometheus.Counter
	diskWriteErrors prometheus.Counter
	coalesced       prometheus.Counter
	inFlight        prometheus.Gauge
	fetchDuration   prometheus.Histogram
}

// newMetrics creates the engine's collectors. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "lookups_total",
			Help:      "Successful resolutions by the tier that served them.",
		}, []string{"source"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "fetch_errors_total",
			Help:      "Resolutions that failed, by stage.",
		}, []string{"stage"}),
		corruptEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "corrupt_disk_entries_total",
			Help:      "Disk entries that failed to decode and were refetched.",
		}),
		diskWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "disk_write_errors_total",
			Help:      "Failed disk-tier writes.",
		}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "coalesced_total",
			Help:      "Resolve calls that shared an in-flight resolution.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgcache",
			Name:      "downloads_in_flight",
			Help:      "Network fetches currently holding a gate permit.",
		}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imgcache",
			Name:      "fetch_duration_seconds",
			Help:      "Network fetch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

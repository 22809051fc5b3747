package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_requests_enqueued_total",
		Help: "Tile requests accepted by the request queue",
	}, []string{"class"})

	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_fetch_total",
		Help: "Completed tile fetches by outcome",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tile_fetch_duration_seconds",
		Help:    "Duration of tile fetches in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_fetch_retries_total",
		Help: "Transient fetch failures re-queued with backoff",
	})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_decode_failures_total",
		Help: "Payloads that could not be decoded",
	}, []string{"format"})

	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_admissions_total",
		Help: "Slot table admissions by outcome",
	}, []string{"outcome"})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_evictions_total",
		Help: "Resident tiles evicted to make room",
	})

	Discarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_completions_discarded_total",
		Help: "Completions dropped before admission",
	}, []string{"reason"})

	ResidentSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tile_resident_slots",
		Help: "Occupied slots per layer",
	}, []string{"layer"})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_requests_pending",
		Help: "Requests waiting for a fetch worker",
	})

	InFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_requests_in_flight",
		Help: "Requests owned by a fetch worker or awaiting admission",
	})

	ExecutorJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_jobs_total",
		Help: "Background jobs finished by status",
	}, []string{"status"})

	PayloadCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payload_cache_hits_total",
		Help: "Tile payloads served from the payload cache",
	})

	PayloadCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payload_cache_misses_total",
		Help: "Tile payloads not found in the payload cache",
	})
)

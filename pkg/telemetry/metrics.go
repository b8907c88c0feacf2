package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "opereon"

// Engine metrics. Collectors are package-level so the execution path records
// them without threading a metrics handle through every call.
var (
	// ProcsTriggered counts proc executions by proc kind.
	ProcsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procs_triggered_total",
			Help:      "Total number of procs triggered, by proc kind",
		},
		[]string{"kind"},
	)

	// TasksExecuted counts task executions by task kind and outcome.
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Total number of tasks executed, by kind and status",
		},
		[]string{"kind", "status"},
	)

	// TaskDuration observes task execution time by task kind.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task execution in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// EventsRaised counts raised events by type.
	EventsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_raised_total",
			Help:      "Total number of events raised, by event type",
		},
		[]string{"type"},
	)

	// QueryCacheHits counts query results served from cache.
	QueryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_hits_total",
			Help:      "Total number of query results served from cache",
		},
	)

	// QueryCacheMisses counts query results that required computation.
	QueryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_misses_total",
			Help:      "Total number of query cache misses",
		},
	)

	// PollTicks counts poll probe executions.
	PollTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Total number of poll probes executed",
		},
	)
)

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the endpoint's listen address.
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`

	// Path is the HTTP path serving metrics.
	Path string `yaml:"path"`
}

// DefaultMetricsConfig returns the disabled default.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:       false,
		ListenAddress: ":9090",
		Path:          "/metrics",
	}
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer serves the metrics endpoint in the background when
// enabled.
func StartMetricsServer(cfg MetricsConfig, log zerolog.Logger) {
	if !cfg.Enabled {
		return
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", cfg.ListenAddress).Str("path", path).Msg("metrics server started")
}

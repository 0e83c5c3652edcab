package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultEndpoint is where the metrics server listens unless configured otherwise.
	DefaultEndpoint = "0.0.0.0:9090"

	namespace = "sbcflash"
)

var (
	// StageRunTimeSummary observes how long each stage ran, by outcome.
	StageRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "stage_runtime_seconds",
			Help:      "A summary metric to measure the total time spent in running each stage",
		},
		[]string{"stage", "outcome"},
	)

	// CommandsTotal counts console commands by outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "A counter metric of console commands run",
		},
		[]string{"stage", "command", "outcome"},
	)

	// CommandRetriesTotal counts commands re-sent after a timeout.
	CommandRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "A counter metric of console commands re-sent after a timeout",
		},
		[]string{"stage", "command"},
	)
)

// RecordCommand registers the outcome of one command and its retries.
func RecordCommand(stage, command, outcome string, attempts int) {
	CommandsTotal.With(prometheus.Labels{
		"stage":   stage,
		"command": command,
		"outcome": outcome,
	}).Inc()

	if attempts > 1 {
		CommandRetriesTotal.With(prometheus.Labels{
			"stage":   stage,
			"command": command,
		}).Add(float64(attempts - 1))
	}
}

// RecordStage registers a finished stage.
func RecordStage(stage, outcome string, started time.Time) {
	StageRunTimeSummary.With(prometheus.Labels{
		"stage":   stage,
		"outcome": outcome,
	}).Observe(time.Since(started).Seconds())
}

// ListenAndServe exposes the metrics on /metrics in a background goroutine.
func ListenAndServe(endpoint string) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", otelhttp.NewHandler(promhttp.Handler(), "metrics"))

		server := &http.Server{
			Addr:              endpoint,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil {
			logrus.WithError(err).Error("metrics server exited")
		}
	}()
}

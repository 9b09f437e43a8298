package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellfix_runs_total",
		Help: "Pipeline runs by outcome (done, failed).",
	}, []string{"outcome"})
	RunFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellfix_run_failures_total",
		Help: "Failed runs by the stage that failed.",
	}, []string{"stage"})
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellfix_stage_duration_seconds",
		Help:    "Wall time spent in each pipeline stage.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"stage"})
	ATCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellfix_at_commands_total",
		Help: "AT commands sent to the modem by final result seen in the window (ok, error, none).",
	}, []string{"command", "result"})
	SanitizedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellfix_modem_sanitized_bytes_total",
		Help: "Bytes dropped from modem responses by the noise filter.",
	})
	SurveyAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellfix_cell_survey_attempts_total",
		Help: "Cell survey queries issued.",
	})
	TriggersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellfix_triggers_dropped_total",
		Help: "Trigger events ignored because a run was in progress.",
	})
)

func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

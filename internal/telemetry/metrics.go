package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-queue/internal/models"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_claimed_total", Help: "Jobs leased to workers"})
	PausedClaims     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_claims_paused_total", Help: "Claim calls short-circuited by worker pause"})
	JobSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_completed_total", Help: "Jobs completed successfully"})
	JobFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentq_jobs_failed_total", Help: "Failure reports by resulting status"}, []string{"status"})
	JobDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_dead_letter_total", Help: "Jobs moved to dead_letter"})
	LeaseRecoveries  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentq_lease_recoveries_total", Help: "Expired leases recovered by claim maintenance"}, []string{"outcome"})

	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_queue_depth", Help: "Queued jobs"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_inflight", Help: "Running jobs with a live lease"})
	StaleRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_stale_running", Help: "Running jobs whose lease expired"})
	PausedGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_workers_paused", Help: "1 while workers are paused"})
	PauseVersionGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_pause_version", Help: "Current pause state version"})

	WorkerExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentq_worker_executions_total", Help: "Jobs executed by this worker by outcome"}, []string{"outcome"})
	WorkerHeartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentq_worker_heartbeats_total", Help: "Heartbeats sent by this worker by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ClaimCounter,
			PausedClaims,
			JobSuccess,
			JobFailures,
			JobDeadLetter,
			LeaseRecoveries,
			QueueDepthGauge,
			InFlightGauge,
			StaleRunningGauge,
			PausedGauge,
			PauseVersionGauge,
			WorkerExecutions,
			WorkerHeartbeats,
		)
	})
	return promhttp.Handler()
}

// ObserveQueue refreshes the queue gauges from a drain snapshot.
func ObserveQueue(c models.QueueCounts) {
	QueueDepthGauge.Set(float64(c.Queued))
	InFlightGauge.Set(float64(c.Running))
	StaleRunningGauge.Set(float64(c.StaleRunning))
}

// ObservePause refreshes the pause gauges.
func ObservePause(p models.PauseState) {
	if p.Paused {
		PausedGauge.Set(1)
	} else {
		PausedGauge.Set(0)
	}
	PauseVersionGauge.Set(float64(p.Version))
}

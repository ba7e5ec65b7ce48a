// Package metrics records step outcomes, semaphore pressure, and integrity
// scan results. Counters are registered with a prometheus registry for the
// local /metrics endpoint and mirrored to an optional external publisher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publisher forwards individual datapoints to an external metrics API.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(name string, value float64, unit Unit, dims map[string]string)
}

// Unit identifies the unit of a published datapoint.
type Unit string

const (
	UnitCount        Unit = "Count"
	UnitMilliseconds Unit = "Milliseconds"
)

// Recorder aggregates worker metrics. A nil Recorder is valid and records
// nothing, which is how the global disable switch is implemented.
type Recorder struct {
	publisher Publisher

	stepSuccess  *prometheus.CounterVec
	stepFailure  *prometheus.CounterVec
	stepDuration *prometheus.CounterVec

	semInFlight   *prometheus.GaugeVec
	semQueueDepth *prometheus.GaugeVec
	semOutcome    *prometheus.CounterVec
	semWaitMillis *prometheus.CounterVec

	activeJobs prometheus.Gauge

	integrityErrors prometheus.Counter
	integrityWarns  prometheus.Counter
	integrityTotal  prometheus.Counter
	integrityFailed prometheus.Gauge
}

// New constructs a Recorder and registers its collectors with the provided
// registerer. Publisher may be nil when no external sink is configured.
func New(reg prometheus.Registerer, publisher Publisher) *Recorder {
	r := &Recorder{
		publisher: publisher,
		stepSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_step_success_total",
			Help: "Pipeline steps that completed successfully.",
		}, []string{"step"}),
		stepFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_step_failure_total",
			Help: "Pipeline steps that failed, by error name.",
		}, []string{"step", "error_name"}),
		stepDuration: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_step_duration_millis_total",
			Help: "Cumulative wall time spent per pipeline step.",
		}, []string{"step"}),
		semInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_semaphore_in_flight",
			Help: "Operations currently holding each semaphore.",
		}, []string{"semaphore"}),
		semQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_semaphore_queue_depth",
			Help: "Operations waiting to acquire each semaphore.",
		}, []string{"semaphore"}),
		semOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_semaphore_operations_total",
			Help: "Operations completed under each semaphore, by outcome.",
		}, []string{"semaphore", "outcome"}),
		semWaitMillis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_semaphore_wait_millis_total",
			Help: "Cumulative time spent waiting to acquire each semaphore.",
		}, []string{"semaphore"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_active_jobs",
			Help: "Pipeline invocations currently in flight.",
		}),
		integrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_integrity_scan_errors_total",
			Help: "Integrity violations detected by the validator.",
		}),
		integrityWarns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_integrity_scan_warnings_total",
			Help: "Integrity warnings detected by the validator.",
		}),
		integrityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_integrity_scan_rows_total",
			Help: "Episode rows examined by the validator.",
		}),
		integrityFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_integrity_scan_failed",
			Help: "1 when the most recent integrity scan reported errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.stepSuccess, r.stepFailure, r.stepDuration,
			r.semInFlight, r.semQueueDepth, r.semOutcome, r.semWaitMillis,
			r.activeJobs,
			r.integrityErrors, r.integrityWarns, r.integrityTotal, r.integrityFailed,
		)
	}
	return r
}

func (r *Recorder) publish(name string, value float64, unit Unit, dims map[string]string) {
	if r == nil || r.publisher == nil {
		return
	}
	r.publisher.Publish(name, value, unit, dims)
}

// StepSuccess records a successful pipeline step.
func (r *Recorder) StepSuccess(step string) {
	if r == nil {
		return
	}
	r.stepSuccess.WithLabelValues(step).Inc()
	r.publish("StepSuccess", 1, UnitCount, map[string]string{"Step": step})
}

// StepFailure records a failed pipeline step with the error class name.
func (r *Recorder) StepFailure(step, errorName string) {
	if r == nil {
		return
	}
	if errorName == "" {
		errorName = "Error"
	}
	r.stepFailure.WithLabelValues(step, errorName).Inc()
	r.publish("StepFailure", 1, UnitCount, map[string]string{"Step": step, "ErrorName": errorName})
}

// StepDuration records wall time spent in a pipeline step.
func (r *Recorder) StepDuration(step string, d time.Duration) {
	if r == nil {
		return
	}
	millis := float64(d.Milliseconds())
	r.stepDuration.WithLabelValues(step).Add(millis)
	r.publish("StepDurationMillis", millis, UnitMilliseconds, map[string]string{"Step": step})
}

// SemaphoreAcquired moves one waiter into the in-flight set for label.
func (r *Recorder) SemaphoreAcquired(label string, wait time.Duration) {
	if r == nil {
		return
	}
	r.semQueueDepth.WithLabelValues(label).Dec()
	r.semInFlight.WithLabelValues(label).Inc()
	r.semWaitMillis.WithLabelValues(label).Add(float64(wait.Milliseconds()))
}

// SemaphoreWaiting records a new waiter for label.
func (r *Recorder) SemaphoreWaiting(label string) {
	if r == nil {
		return
	}
	r.semQueueDepth.WithLabelValues(label).Inc()
}

// SemaphoreAbandoned removes a waiter that never acquired the semaphore.
func (r *Recorder) SemaphoreAbandoned(label string) {
	if r == nil {
		return
	}
	r.semQueueDepth.WithLabelValues(label).Dec()
}

// SemaphoreReleased records the completion of an operation under label.
func (r *Recorder) SemaphoreReleased(label string, err error) {
	if r == nil {
		return
	}
	r.semInFlight.WithLabelValues(label).Dec()
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.semOutcome.WithLabelValues(label, outcome).Inc()
}

// SetActiveJobs records the current number of in-flight pipeline invocations.
func (r *Recorder) SetActiveJobs(n int) {
	if r == nil {
		return
	}
	r.activeJobs.Set(float64(n))
}

// IntegrityScan records the outcome of a validator run.
func (r *Recorder) IntegrityScan(rows, errors, warnings int) {
	if r == nil {
		return
	}
	r.integrityTotal.Add(float64(rows))
	r.integrityErrors.Add(float64(errors))
	r.integrityWarns.Add(float64(warnings))
	failed := 0.0
	if errors > 0 {
		failed = 1.0
	}
	r.integrityFailed.Set(failed)
	r.publish("IntegrityScanTotal", float64(rows), UnitCount, nil)
	r.publish("IntegrityScanErrors", float64(errors), UnitCount, nil)
	r.publish("IntegrityScanWarnings", float64(warnings), UnitCount, nil)
	r.publish("IntegrityScanFailed", failed, UnitCount, nil)
}

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const NAMESPACE = "batsched"
const SUBSYSTEM = "scheduler"

type SchedulerMetrics struct {
	// Jobs admitted, by admission path.
	admittedJobs prometheus.CounterVec
	// Jobs rejected for oversized resource requests.
	rejectedJobs prometheus.Counter
	// Jobs completed.
	completedJobs prometheus.Counter
	// Cycles that admitted nothing despite free resources and a non-empty queue.
	failedCycles prometheus.Counter
	// Reservations created for blocked queue heads.
	reservations prometheus.Counter
	// Emergency mode entries.
	emergencies prometheus.Counter
	// Energy currently available for admission, in joules.
	availableEnergy prometheus.Gauge
	// Estimated energy consumed so far, in joules.
	consumedEnergy prometheus.Gauge
	// Current accrual rate, in watts.
	accrualRate prometheus.Gauge
	// Resource units currently free.
	freeUnits prometheus.Gauge
	// Jobs currently queued.
	queuedJobs prometheus.Gauge
	// Jobs currently running.
	runningJobs prometheus.Gauge
}

func NewSchedulerMetrics() SchedulerMetrics {
	admittedJobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "admitted_jobs",
			Help:      "Number of jobs admitted, by admission path.",
		},
		[]string{
			"path",
		},
	)

	rejectedJobs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "rejected_jobs",
			Help:      "Number of jobs rejected for requesting more units than the platform has.",
		},
	)

	completedJobs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "completed_jobs",
			Help:      "Number of jobs completed.",
		},
	)

	failedCycles := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "failed_cycles",
			Help:      "Number of cycles that admitted nothing despite free resources and a non-empty queue.",
		},
	)

	reservations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "reservations",
			Help:      "Number of reservations created for blocked queue heads.",
		},
	)

	emergencies := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "emergencies",
			Help:      "Number of times emergency mode was entered.",
		},
	)

	availableEnergy := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "available_energy_joules",
			Help:      "Energy currently available for admission.",
		},
	)

	consumedEnergy := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "consumed_energy_joules",
			Help:      "Estimated energy consumed so far.",
		},
	)

	accrualRate := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "accrual_rate_watts",
			Help:      "Current energy accrual rate.",
		},
	)

	freeUnits := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "free_units",
			Help:      "Resource units currently free.",
		},
	)

	queuedJobs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "queued_jobs",
			Help:      "Jobs currently queued.",
		},
	)

	runningJobs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "running_jobs",
			Help:      "Jobs currently running.",
		},
	)

	prometheus.MustRegister(admittedJobs)
	prometheus.MustRegister(rejectedJobs)
	prometheus.MustRegister(completedJobs)
	prometheus.MustRegister(failedCycles)
	prometheus.MustRegister(reservations)
	prometheus.MustRegister(emergencies)
	prometheus.MustRegister(availableEnergy)
	prometheus.MustRegister(consumedEnergy)
	prometheus.MustRegister(accrualRate)
	prometheus.MustRegister(freeUnits)
	prometheus.MustRegister(queuedJobs)
	prometheus.MustRegister(runningJobs)

	return SchedulerMetrics{
		admittedJobs:    *admittedJobs,
		rejectedJobs:    rejectedJobs,
		completedJobs:   completedJobs,
		failedCycles:    failedCycles,
		reservations:    reservations,
		emergencies:     emergencies,
		availableEnergy: availableEnergy,
		consumedEnergy:  consumedEnergy,
		accrualRate:     accrualRate,
		freeUnits:       freeUnits,
		queuedJobs:      queuedJobs,
		runningJobs:     runningJobs,
	}
}

// Admission path labels.
const (
	AdmissionFcfs     = "fcfs"
	AdmissionBackfill = "backfill"
	AdmissionForced   = "forced"
)

func (metrics *SchedulerMetrics) ReportAdmission(path string) {
	metrics.admittedJobs.WithLabelValues(path).Inc()
}

func (metrics *SchedulerMetrics) ReportRejection() {
	metrics.rejectedJobs.Inc()
}

func (metrics *SchedulerMetrics) ReportCompletion() {
	metrics.completedJobs.Inc()
}

func (metrics *SchedulerMetrics) ReportFailedCycle() {
	metrics.failedCycles.Inc()
}

func (metrics *SchedulerMetrics) ReportReservation() {
	metrics.reservations.Inc()
}

func (metrics *SchedulerMetrics) ReportEmergency() {
	metrics.emergencies.Inc()
}

func (metrics *SchedulerMetrics) ReportState(availableEnergy, consumedEnergy, accrualRate float64, freeUnits, queued, running int) {
	metrics.availableEnergy.Set(availableEnergy)
	metrics.consumedEnergy.Set(consumedEnergy)
	metrics.accrualRate.Set(accrualRate)
	metrics.freeUnits.Set(float64(freeUnits))
	metrics.queuedJobs.Set(float64(queued))
	metrics.runningJobs.Set(float64(running))
}

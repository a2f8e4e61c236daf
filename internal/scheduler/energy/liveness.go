package energy

import (
	log "github.com/sirupsen/logrus"
)

// LivenessState is the engine's progress guarantee state machine:
// Normal -> Stalled -> Emergency -> Normal. Transitions are driven solely by
// elapsed virtual time and failure counts, so they are deterministic and
// replayable.
type LivenessState int

const (
	// Normal: jobs are being admitted.
	Normal LivenessState = iota
	// Stalled: the queue is non-empty but nothing has been admitted for a
	// while; one more stall interval escalates to Emergency.
	Stalled
	// Emergency: admission constraints are relaxed until something is admitted.
	Emergency
)

func (s LivenessState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Stalled:
		return "stalled"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// LivenessMonitor watches for prolonged scheduling inactivity. It owns the
// time-since-last-admission and consecutive-failure counters that drive the
// emergency and forced-admission overrides.
type LivenessMonitor struct {
	stallThreshold float64
	maxFailures    uint

	state               LivenessState
	simulationStart     float64
	lastAdmission       float64
	haveAdmitted        bool
	consecutiveFailures uint
}

// NewLivenessMonitor returns a monitor in the Normal state.
// stallThreshold is in virtual seconds.
func NewLivenessMonitor(stallThreshold float64, maxFailures uint, now float64) *LivenessMonitor {
	return &LivenessMonitor{
		stallThreshold:  stallThreshold,
		maxFailures:     maxFailures,
		state:           Normal,
		simulationStart: now,
		lastAdmission:   now,
	}
}

func (m *LivenessMonitor) State() LivenessState {
	return m.state
}

func (m *LivenessMonitor) ConsecutiveFailures() uint {
	return m.consecutiveFailures
}

// Evaluate advances the state machine. queued reports whether any job is
// waiting and running whether any job is executing. Returns true exactly when
// the monitor transitions into Emergency, at which point the caller applies
// the one-off relaxations.
func (m *LivenessMonitor) Evaluate(now float64, queued, running bool) bool {
	if !queued {
		m.toNormal()
		return false
	}
	idleSinceStart := !m.haveAdmitted && !running && now-m.simulationStart > m.stallThreshold
	admissionOverdue := m.haveAdmitted && now-m.lastAdmission > m.stallThreshold
	switch m.state {
	case Normal:
		if idleSinceStart || admissionOverdue {
			m.state = Stalled
			log.Warnf("no admission for %.1fs with a non-empty queue, scheduler stalled", now-m.lastAdmission)
			// A stall with no jobs running at all cannot resolve itself;
			// escalate immediately.
			if !running {
				m.state = Emergency
				return true
			}
		}
	case Stalled:
		if idleSinceStart || admissionOverdue {
			m.state = Emergency
			return true
		}
	case Emergency:
	}
	return false
}

// RecordAdmission notes a successful admission and resets the machine.
func (m *LivenessMonitor) RecordAdmission(now float64) {
	m.haveAdmitted = true
	m.lastAdmission = now
	m.toNormal()
}

// RecordCompletion resets the stall timer; a completion frees resources and
// gives the next cycle a fresh chance to admit.
func (m *LivenessMonitor) RecordCompletion(now float64) {
	m.lastAdmission = now
	m.consecutiveFailures = 0
}

// RecordFailure counts a cycle that admitted nothing while resources were
// free and the queue non-empty. Returns true once the failure count crosses
// the threshold; the caller must then perform one forced admission. The
// counter resets on return so the next forced admission needs another full
// run of failures.
func (m *LivenessMonitor) RecordFailure() bool {
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.maxFailures {
		m.consecutiveFailures = 0
		return true
	}
	return false
}

func (m *LivenessMonitor) toNormal() {
	if m.state != Normal {
		log.Infof("scheduler liveness restored from %s", m.state)
	}
	m.state = Normal
	m.consecutiveFailures = 0
}

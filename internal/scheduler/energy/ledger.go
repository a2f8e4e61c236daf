// Package energy implements the leaky-bucket energy account that gates job
// admission: energy accrues continuously at a configurable rate, admission
// debits a job's estimated energy, and reservations for a blocked head job
// throttle the accrual rate so the promised start stays feasible.
package energy

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/batsched/batsched/internal/scheduler/configuration"
)

// Mode selects how the ledger gates admission.
type Mode int

const (
	// ModeDisabled performs no energy accounting; every job is admissible.
	ModeDisabled Mode = iota
	// ModePowerCap gates admission on the estimated platform power draw
	// staying under budget/period.
	ModePowerCap
	// ModeBudget is the leaky-bucket energy budget.
	ModeBudget
)

func ModeForProfile(profile configuration.Profile) Mode {
	switch profile {
	case configuration.ProfileFcfsBackfill:
		return ModeDisabled
	case configuration.ProfilePowerCapped:
		return ModePowerCap
	default:
		return ModeBudget
	}
}

// Ledger is the energy account for one platform. It is exclusively owned by
// one scheduling engine and all times are virtual seconds.
type Ledger struct {
	mode     Mode
	capacity uint32

	busyPower    float64
	idlePower    float64
	busyPowerEst float64
	idlePowerEst float64

	// Total budget over the period in joules and the base accrual rate R in
	// joules per second. The power cap equals the base rate.
	totalBudget float64
	baseRate    float64
	// Current, possibly throttled, accrual rate.
	currentRate float64

	budgetStart float64
	budgetEnd   float64

	// Balance available for admission. Non-negative in normal operation but
	// liveness overrides may push it below zero.
	available float64
	// Total estimated consumption to date. Diagnostic only; it never feeds
	// back into the balance.
	consumed   float64
	lastUpdate float64

	// Throttle installed by an active reservation.
	throttled   bool
	throttleEnd float64

	// While set, Admissible permits a deficit of up to deficitFactor times
	// the available energy.
	emergency     bool
	deficitFactor float64

	lookaheadHorizon   float64
	minRateFactor      float64
	smallMinRateFactor float64
}

// NewLedger initializes the account once the platform capacity is known.
// The budget is capacity x busy-power x percentage over the period, accrued
// linearly from now.
func NewLedger(config configuration.SchedulingConfig, capacity uint32, now float64) *Ledger {
	period := config.PeriodLength.Seconds()
	budget := float64(capacity) * config.BusyPowerPerUnit * config.EnergyBudgetPercentage * period
	rate := 0.0
	if period > 0 {
		rate = budget / period
	}
	end := math.Inf(1)
	if config.EnforceBudgetWindow {
		end = now + period
	}
	return &Ledger{
		mode:               ModeForProfile(config.Profile),
		capacity:           capacity,
		busyPower:          config.BusyPowerPerUnit,
		idlePower:          config.IdlePowerPerUnit,
		busyPowerEst:       config.BusyPowerEstimate,
		idlePowerEst:       config.IdlePowerEstimate,
		totalBudget:        budget,
		baseRate:           rate,
		currentRate:        rate,
		budgetStart:        now,
		budgetEnd:          end,
		lastUpdate:         now,
		deficitFactor:      config.EmergencyDeficitFactor,
		lookaheadHorizon:   config.LookaheadHorizon.Seconds(),
		minRateFactor:      config.MinRateFactor,
		smallMinRateFactor: config.SmallJobMinRateFactor,
	}
}

// BaseRate returns R, the unthrottled accrual rate in joules per second.
func (l *Ledger) BaseRate() float64 {
	return l.baseRate
}

// CurrentRate returns the possibly throttled accrual rate.
func (l *Ledger) CurrentRate() float64 {
	return l.currentRate
}

// Available returns the current balance in joules.
func (l *Ledger) Available() float64 {
	return l.available
}

// Consumed returns the total estimated consumption to date in joules.
func (l *Ledger) Consumed() float64 {
	return l.consumed
}

// Throttled reports whether a reservation throttle is currently installed.
func (l *Ledger) Throttled() bool {
	return l.throttled
}

func (l *Ledger) insideWindow(now float64) bool {
	return now >= l.budgetStart && now <= l.budgetEnd
}

// Advance applies the time elapsed since the last update: accrues energy at
// the current rate, accumulates the estimated platform consumption, and lifts
// an expired reservation throttle.
func (l *Ledger) Advance(now float64, busyUnits, idleUnits int) {
	if l.mode != ModeBudget {
		l.lastUpdate = now
		return
	}
	if l.insideWindow(now) {
		elapsed := now - l.lastUpdate
		if l.lastUpdate < l.budgetStart {
			elapsed = now - l.budgetStart
		}
		if elapsed > 0 {
			consumption := float64(busyUnits)*l.busyPowerEst*elapsed + float64(idleUnits)*l.idlePowerEst*elapsed
			l.consumed += consumption
			l.available += l.currentRate * elapsed
		}
		if l.throttled && now >= l.throttleEnd {
			l.currentRate = l.baseRate
			l.throttled = false
		}
	}
	l.lastUpdate = now
}

// EstimateJobEnergy returns the admission-math energy estimate for a job:
// demand x estimated busy power x walltime.
func (l *Ledger) EstimateJobEnergy(demand uint32, walltime float64) float64 {
	return float64(demand) * l.busyPowerEst * walltime
}

// Admissible reports whether a job with the given estimate may start at now.
// lookaheadCredit is energy that running jobs finishing within the lookahead
// horizon will stop drawing; callers compute it via LookaheadHorizon.
// Always true outside the active budget window or when accounting is
// disabled. In emergency mode the job may run a deficit of up to the
// configured multiple of available+lookahead.
func (l *Ledger) Admissible(estimatedEnergy float64, now, lookaheadCredit float64) bool {
	switch l.mode {
	case ModeDisabled:
		return true
	case ModePowerCap:
		// Power-capped admission is per-decision, not per-balance.
		return true
	}
	if !l.insideWindow(now) {
		return true
	}
	budget := l.available + lookaheadCredit
	if l.emergency {
		budget *= l.deficitFactor
	}
	admissible := estimatedEnergy <= budget
	if !admissible && l.available < estimatedEnergy*0.01 {
		log.Warnf(
			"severe energy shortage: job needs %.2f J, only %.2f J available (%.2f%%)",
			estimatedEnergy, l.available, l.available/estimatedEnergy*100,
		)
	}
	return admissible
}

// PowerCapOK reports whether starting demand more busy units keeps the
// estimated platform draw under the cap. Only meaningful in ModePowerCap,
// where the cap is the base rate (budget divided by period).
func (l *Ledger) PowerCapOK(demand uint32, busyUnits, idleUnits int) bool {
	if l.mode != ModePowerCap {
		return true
	}
	draw := float64(busyUnits+int(demand))*l.busyPowerEst + float64(idleUnits-int(demand))*l.idlePowerEst
	return draw <= l.baseRate
}

// Debit removes a job's estimated energy from the balance on admission.
// Forced admissions may push the balance negative; that is the documented
// liveness override, not an accounting error.
func (l *Ledger) Debit(estimatedEnergy float64) {
	if l.mode != ModeBudget {
		return
	}
	l.available -= estimatedEnergy
}

// LookaheadWindow returns the effective lookahead horizon for a job:
// min(configured horizon, walltime/2).
func (l *Ledger) LookaheadWindow(walltime float64) float64 {
	return math.Min(l.lookaheadHorizon, walltime/2)
}

// EstimateRemainingDraw returns the energy a running job will still draw
// until its expected end: demand x estimated busy power x remaining.
func (l *Ledger) EstimateRemainingDraw(demand uint32, remaining float64) float64 {
	if remaining < 0 {
		remaining = 0
	}
	return float64(demand) * l.busyPowerEst * remaining
}

// Deficit returns how much energy the job is short of, or 0 if affordable.
// Always 0 outside budget mode.
func (l *Ledger) Deficit(estimatedEnergy float64) float64 {
	if l.mode != ModeBudget {
		return 0
	}
	if deficit := estimatedEnergy - l.available; deficit > 0 {
		return deficit
	}
	return 0
}

// Reserve throttles the accrual rate so that the blocked job's estimated
// energy has accrued by promisedStart. The throttled rate never drops below
// minRateFactor x R (smallJobMinRateFactor x R when the queue is dominated by
// small jobs) so that backfilled jobs keep being admitted at a reduced but
// nonzero rate while the head job's energy accrues.
func (l *Ledger) Reserve(estimatedEnergy, promisedStart, now float64, smallJobsDominate bool) {
	if l.mode != ModeBudget || !l.insideWindow(now) {
		return
	}
	timeUntilStart := promisedStart - now
	if timeUntilStart <= 0 {
		return
	}
	reduction := estimatedEnergy / timeUntilStart
	minFactor := l.minRateFactor
	if smallJobsDominate {
		minFactor = l.smallMinRateFactor
	}
	l.currentRate = math.Max(minFactor*l.baseRate, l.baseRate-reduction)
	l.throttleEnd = promisedStart
	l.throttled = true
}

// ClearThrottle restores the base accrual rate. Called when the reserved job
// is admitted, superseded, or completes.
func (l *Ledger) ClearThrottle() {
	if l.throttled {
		l.currentRate = l.baseRate
		l.throttled = false
	}
}

// EnterEmergency relaxes admission by the configured deficit factor and
// injects a one-off boost of boostFactor seconds of base-rate accrual.
func (l *Ledger) EnterEmergency(boostFactor float64) {
	if l.emergency {
		return
	}
	l.emergency = true
	l.available += boostFactor * l.baseRate
	log.Warnf("energy ledger entering emergency mode, boosted balance to %.2f J", l.available)
}

// LeaveEmergency restores normal admission.
func (l *Ledger) LeaveEmergency() {
	l.emergency = false
}

// InEmergency reports whether the emergency relaxation is active.
func (l *Ledger) InEmergency() bool {
	return l.emergency
}

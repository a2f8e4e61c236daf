package configuration

import (
	"time"
)

// AllocationPolicy selects how the resource pool picks units for a job.
type AllocationPolicy string

const (
	// AnyAvailable picks any free units regardless of contiguity.
	AnyAvailable AllocationPolicy = "any-available"
	// FirstFitContiguous requires the first ascending run of consecutive free
	// units and fails under fragmentation even if enough units are free.
	FirstFitContiguous AllocationPolicy = "first-fit-contiguous"
)

// Profile names a preset bundle of scheduling defaults. Each profile
// corresponds to one of the historical scheduler variants; all of them share
// this single engine.
type Profile string

const (
	// ProfileFcfsBackfill is plain EASY backfilling with no energy accounting.
	ProfileFcfsBackfill Profile = "fcfs-backfill"
	// ProfilePowerCapped gates admission on the estimated platform power draw
	// staying under a fixed cap.
	ProfilePowerCapped Profile = "power-capped"
	// ProfileEnergyBudget is the leaky-bucket energy budget with
	// rate-throttled reservations. This is the default.
	ProfileEnergyBudget Profile = "energy-budget"
)

// Configuration is the top-level config for the scheduler binary.
type Configuration struct {
	// Port on which prometheus metrics are exposed.
	MetricsPort uint16
	Scheduling  SchedulingConfig `validate:"required"`
}

// SchedulingConfig controls the decision core. Zero values are filled in from
// the selected profile by ApplyProfileDefaults.
type SchedulingConfig struct {
	// Name announced in the Identify handshake. Defaults to the profile name.
	SchedulerName string
	Profile       Profile `validate:"omitempty,oneof=fcfs-backfill power-capped energy-budget"`
	// Fraction of the theoretical maximum draw granted as budget.
	EnergyBudgetPercentage float64 `validate:"gte=0,lte=1"`
	// Length of the budget period.
	PeriodLength time.Duration `validate:"gte=0"`
	// If true the energy budget only applies within the first period;
	// otherwise it applies for the whole simulation.
	EnforceBudgetWindow bool
	// Measured per-unit power draw, used for consumption accounting.
	BusyPowerPerUnit float64 `validate:"gte=0"`
	IdlePowerPerUnit float64 `validate:"gte=0"`
	// Estimated per-unit power draw, used for admission math. May deliberately
	// diverge from the measured values to model estimation error. Defaults to
	// the measured values when zero.
	BusyPowerEstimate float64 `validate:"gte=0"`
	IdlePowerEstimate float64 `validate:"gte=0"`
	AllocationPolicy  AllocationPolicy `validate:"omitempty,oneof=any-available first-fit-contiguous"`
	// Time without any running job (with a non-empty queue) after which the
	// engine enters emergency mode.
	EmergencyStallThreshold time.Duration `validate:"gte=0"`
	// Number of consecutive no-admission cycles (with free resources and a
	// non-empty queue) after which one forced admission is performed.
	MaxConsecutiveFailures uint
	// Lower bound on the throttled accrual rate, as a fraction of the base rate.
	MinRateFactor float64 `validate:"gte=0,lte=1"`
	// MinRateFactor used instead when the queue is dominated by small jobs,
	// so that small jobs keep being admitted while the head job's energy accrues.
	SmallJobMinRateFactor float64 `validate:"gte=0,lte=1"`
	// A job is small if demand*walltime is below this fraction of the head
	// job's demand*walltime.
	SmallJobFraction float64 `validate:"gte=0,lte=1"`
	// Queue is dominated by small jobs if at least this fraction of queued
	// jobs is small.
	SmallJobDominance float64 `validate:"gte=0,lte=1"`
	// Fixed horizon for the lookahead credit; the effective horizon for a job
	// is min(LookaheadHorizon, walltime/2).
	LookaheadHorizon time.Duration
	// Multiplier applied to the deficit/rate estimate when reserving,
	// absorbing estimation error.
	ReservationSafetyMargin float64 `validate:"omitempty,gte=1"`
	// Upper bound on how far in the future a reservation may promise a start.
	MaxReservationLookahead time.Duration `validate:"gte=0"`
	// Allowed deficit multiplier while in emergency mode; admission is
	// permitted up to this multiple of available+lookahead energy.
	EmergencyDeficitFactor float64 `validate:"omitempty,gte=1"`
	// One-off energy boost injected on entering emergency mode, expressed as
	// a multiple of the base accrual rate (i.e. seconds of accrual).
	EmergencyBoostFactor float64 `validate:"gte=0"`
}

// ApplyProfileDefaults fills zero-valued fields from the selected profile.
// Explicitly configured values always win.
func (c *SchedulingConfig) ApplyProfileDefaults() {
	if c.Profile == "" {
		c.Profile = ProfileEnergyBudget
	}
	if c.SchedulerName == "" {
		c.SchedulerName = string(c.Profile)
	}
	if c.EnergyBudgetPercentage == 0 {
		c.EnergyBudgetPercentage = 1.0
	}
	if c.PeriodLength == 0 {
		c.PeriodLength = 600 * time.Second
	}
	if c.BusyPowerPerUnit == 0 {
		c.BusyPowerPerUnit = 203.12
	}
	if c.IdlePowerPerUnit == 0 {
		c.IdlePowerPerUnit = 100.0
	}
	if c.BusyPowerEstimate == 0 {
		c.BusyPowerEstimate = c.BusyPowerPerUnit
	}
	if c.IdlePowerEstimate == 0 {
		c.IdlePowerEstimate = c.IdlePowerPerUnit
	}
	if c.AllocationPolicy == "" {
		if c.Profile == ProfileEnergyBudget {
			c.AllocationPolicy = FirstFitContiguous
		} else {
			c.AllocationPolicy = AnyAvailable
		}
	}
	if c.EmergencyStallThreshold == 0 {
		c.EmergencyStallThreshold = 300 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.MinRateFactor == 0 {
		c.MinRateFactor = 0.3
	}
	if c.SmallJobMinRateFactor == 0 {
		c.SmallJobMinRateFactor = 0.5
	}
	if c.SmallJobFraction == 0 {
		c.SmallJobFraction = 0.25
	}
	if c.SmallJobDominance == 0 {
		c.SmallJobDominance = 0.75
	}
	if c.LookaheadHorizon == 0 {
		c.LookaheadHorizon = 30 * time.Second
	}
	if c.ReservationSafetyMargin == 0 {
		c.ReservationSafetyMargin = 1.1
	}
	if c.MaxReservationLookahead == 0 {
		c.MaxReservationLookahead = time.Hour
	}
	if c.EmergencyDeficitFactor == 0 {
		c.EmergencyDeficitFactor = 3.0
	}
	if c.EmergencyBoostFactor == 0 {
		c.EmergencyBoostFactor = 60.0
	}
}

// Package scheduler contains the decision core: a FCFS queue with EASY
// backfilling whose admissions are additionally gated by a time-varying
// energy budget.
package scheduler

import (
	"math"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/batsched/batsched/internal/common/schedcontext"
	commonslices "github.com/batsched/batsched/internal/common/slices"
	"github.com/batsched/batsched/internal/scheduler/configuration"
	"github.com/batsched/batsched/internal/scheduler/energy"
	"github.com/batsched/batsched/internal/scheduler/jobdb"
	"github.com/batsched/batsched/internal/scheduler/resourcepool"
	"github.com/batsched/batsched/pkg/api"
)

// SchedulerVersion is announced in the Identify handshake.
const SchedulerVersion = "1.0.0"

// reservation promises the blocked queue head an earliest start time.
// At most one is active at a time.
type reservation struct {
	jobId         string
	promisedStart float64
}

// SchedulingEngine turns event batches into decision batches. It exclusively
// owns all scheduling state; callers must serialize invocations.
type SchedulingEngine struct {
	config  configuration.SchedulingConfig
	jobDb   *jobdb.JobDb
	metrics *SchedulerMetrics

	// Nil until SimulationBegins has been processed.
	pool        *resourcepool.Pool
	ledger      *energy.Ledger
	liveness    *energy.LivenessMonitor
	reservation *reservation

	lastNow          float64
	started          bool
	allJobsSubmitted bool
}

// NewSchedulingEngine returns an engine awaiting SimulationBegins.
// metrics may be nil, in which case nothing is reported.
func NewSchedulingEngine(config configuration.SchedulingConfig, metrics *SchedulerMetrics) (*SchedulingEngine, error) {
	jobDb, err := jobdb.NewJobDb()
	if err != nil {
		return nil, err
	}
	return &SchedulingEngine{
		config:  config,
		jobDb:   jobDb,
		metrics: metrics,
	}, nil
}

// HandleBatch applies one batch of events at the given virtual time and
// returns the resulting decisions. Virtual time must not go backwards across
// invocations.
func (e *SchedulingEngine) HandleBatch(ctx *schedcontext.Context, batch *api.EventBatch) (*api.DecisionBatch, error) {
	now := batch.Now
	if now < e.lastNow {
		return nil, errors.Errorf("virtual time went backwards: %f after %f", now, e.lastNow)
	}
	e.lastNow = now

	txn := e.jobDb.WriteTxn()
	defer txn.Abort()

	decisions := make([]api.Decision, 0, len(batch.Events))

	if e.started {
		e.ledger.Advance(now, e.busyUnits(), e.pool.NumFree())
		if err := e.evaluateLiveness(ctx, txn, now); err != nil {
			return nil, err
		}
	}

	for _, event := range batch.Events {
		switch ev := event.(type) {
		case api.Hello:
			decisions = append(decisions, api.Identify{
				Name:    e.config.SchedulerName,
				Version: SchedulerVersion,
			})
		case api.SimulationBegins:
			if err := e.begin(ctx, ev, now); err != nil {
				return nil, err
			}
		case api.JobSubmitted:
			decision, err := e.submit(ctx, txn, ev, now)
			if err != nil {
				return nil, err
			}
			if decision != nil {
				decisions = append(decisions, decision)
			}
		case api.JobCompleted:
			if err := e.complete(ctx, txn, ev, now); err != nil {
				return nil, err
			}
		case api.AllJobsSubmitted:
			e.allJobsSubmitted = true
			if e.started {
				if err := e.evaluateLiveness(ctx, txn, now); err != nil {
					return nil, err
				}
			}
		default:
			return nil, errors.Errorf("unknown event type %T", event)
		}
	}

	if e.started {
		scheduled, err := e.schedule(ctx, txn, now)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, scheduled...)
		if err := e.reportState(txn); err != nil {
			return nil, err
		}
	}

	txn.Commit()
	return &api.DecisionBatch{
		Now:       now,
		Decisions: decisions,
	}, nil
}

// EnergyConsumed returns the estimated platform consumption so far, in
// joules. Zero before SimulationBegins.
func (e *SchedulingEngine) EnergyConsumed() float64 {
	if e.ledger == nil {
		return 0
	}
	return e.ledger.Consumed()
}

// EnergyAvailable returns the current ledger balance, in joules.
func (e *SchedulingEngine) EnergyAvailable() float64 {
	if e.ledger == nil {
		return 0
	}
	return e.ledger.Available()
}

func (e *SchedulingEngine) busyUnits() int {
	return int(e.pool.Capacity()) - e.pool.NumFree()
}

func (e *SchedulingEngine) begin(ctx *schedcontext.Context, ev api.SimulationBegins, now float64) error {
	if e.started {
		return errors.New("received SimulationBegins twice")
	}
	pool, err := resourcepool.NewPool(ev.Capacity, e.config.AllocationPolicy)
	if err != nil {
		return err
	}
	e.pool = pool
	e.ledger = energy.NewLedger(e.config, ev.Capacity, now)
	e.liveness = energy.NewLivenessMonitor(
		e.config.EmergencyStallThreshold.Seconds(),
		e.config.MaxConsecutiveFailures,
		now,
	)
	e.started = true
	ctx.Log.
		WithField("capacity", ev.Capacity).
		WithField("profile", e.config.Profile).
		Infof("simulation started, base accrual rate %.3f W", e.ledger.BaseRate())
	return nil
}

func (e *SchedulingEngine) submit(ctx *schedcontext.Context, txn *memdb.Txn, ev api.JobSubmitted, now float64) (api.Decision, error) {
	if !e.started {
		return nil, errors.Errorf("job %s submitted before SimulationBegins", ev.JobId)
	}
	existing, err := e.jobDb.GetById(txn, ev.JobId)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Errorf("job %s submitted twice", ev.JobId)
	}
	if ev.Demand > e.pool.Capacity() {
		ctx.Log.Warnf("rejecting job %s: demand %d exceeds capacity %d", ev.JobId, ev.Demand, e.pool.Capacity())
		job := &jobdb.Job{
			JobId:          ev.JobId,
			Demand:         ev.Demand,
			Walltime:       ev.Walltime,
			SubmissionTime: now,
			State:          jobdb.Rejected,
			Timestamp:      e.jobDb.NextTimestamp(),
		}
		if err := e.jobDb.Upsert(txn, []*jobdb.Job{job}); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.ReportRejection()
		}
		return api.RejectJob{JobId: ev.JobId}, nil
	}
	job := &jobdb.Job{
		JobId:           ev.JobId,
		Demand:          ev.Demand,
		Walltime:        ev.Walltime,
		EstimatedEnergy: e.ledger.EstimateJobEnergy(ev.Demand, ev.Walltime),
		SubmissionTime:  now,
		State:           jobdb.Queued,
		Timestamp:       e.jobDb.NextTimestamp(),
	}
	if err := e.jobDb.Upsert(txn, []*jobdb.Job{job}); err != nil {
		return nil, err
	}
	ctx.Log.Debugf("queued %s", ev)
	return nil, nil
}

func (e *SchedulingEngine) complete(ctx *schedcontext.Context, txn *memdb.Txn, ev api.JobCompleted, now float64) error {
	job, err := e.jobDb.GetById(txn, ev.JobId)
	if err != nil {
		return err
	}
	if job == nil {
		ctx.Log.Warnf("completion for unknown job %s ignored", ev.JobId)
		return nil
	}
	if job.State != jobdb.Running {
		// Duplicate completions have effect only on the first delivery.
		return nil
	}
	e.pool.Release(job.Allocated)
	completed := job.DeepCopy()
	completed.State = jobdb.Completed
	completed.Allocated = nil
	if err := e.jobDb.Upsert(txn, []*jobdb.Job{completed}); err != nil {
		return err
	}
	if e.reservation != nil && e.reservation.jobId == job.JobId {
		e.clearReservation()
	}
	e.liveness.RecordCompletion(now)
	if e.metrics != nil {
		e.metrics.ReportCompletion()
	}
	ctx.Log.Debugf("job %s completed, %d units free", job.JobId, e.pool.NumFree())
	return nil
}

// evaluateLiveness advances the stall state machine and applies the one-off
// energy boost on the transition into emergency mode.
func (e *SchedulingEngine) evaluateLiveness(ctx *schedcontext.Context, txn *memdb.Txn, now float64) error {
	queued, err := e.jobDb.HasQueuedJobs(txn)
	if err != nil {
		return err
	}
	running := e.busyUnits() > 0
	if e.liveness.Evaluate(now, queued, running) {
		ctx.Log.Warnf("entering emergency mode at t=%.1f", now)
		e.ledger.EnterEmergency(e.config.EmergencyBoostFactor)
		if e.metrics != nil {
			e.metrics.ReportEmergency()
		}
	}
	return nil
}

// schedule is the admission pass: FCFS from the head, a reservation for the
// first blocked head, then backfill behind it.
func (e *SchedulingEngine) schedule(ctx *schedcontext.Context, txn *memdb.Txn, now float64) ([]api.Decision, error) {
	decisions := make([]api.Decision, 0)
	admittedAny := false

	if e.liveness.State() == energy.Emergency {
		decision, err := e.forceAdmitBest(ctx, txn, now)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			decisions = append(decisions, decision)
			admittedAny = true
		}
	}

	// Admit from the head while both resources and energy allow it.
	for {
		head, err := e.jobDb.QueueHead(txn)
		if err != nil {
			return nil, err
		}
		if head == nil {
			e.clearReservation()
			return decisions, nil
		}
		credit, err := e.lookaheadCredit(txn, head, now)
		if err != nil {
			return nil, err
		}
		if !e.ledger.Admissible(head.EstimatedEnergy, now, credit) || !e.ledger.PowerCapOK(head.Demand, e.busyUnits(), e.pool.NumFree()) {
			break
		}
		decision, ok, err := e.admit(ctx, txn, head, now, AdmissionFcfs)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		decisions = append(decisions, decision)
		admittedAny = true
	}

	// The head is blocked: promise it a start time and throttle accrual so
	// the promise stays energy-feasible.
	head, err := e.jobDb.QueueHead(txn)
	if err != nil {
		return nil, err
	}
	if head != nil {
		if err := e.reserve(ctx, txn, head, now); err != nil {
			return nil, err
		}
		backfilled, err := e.backfill(ctx, txn, head, now)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, backfilled...)
		admittedAny = admittedAny || len(backfilled) > 0
	}

	forced, err := e.bookkeepFailure(ctx, txn, now, admittedAny)
	if err != nil {
		return nil, err
	}
	decisions = append(decisions, forced...)
	return decisions, nil
}

// admit allocates resources for the job and transitions it to running.
// Returns false without mutating anything if the pool cannot satisfy the
// demand under the configured policy.
func (e *SchedulingEngine) admit(ctx *schedcontext.Context, txn *memdb.Txn, job *jobdb.Job, now float64, path string) (api.Decision, bool, error) {
	allocated, ok := e.pool.Allocate(job.Demand)
	if !ok {
		return nil, false, nil
	}
	running := job.DeepCopy()
	running.State = jobdb.Running
	running.StartTime = now
	running.ExpectedEndTime = now + job.Walltime
	running.ExpectedEndTimeMicros = int64(running.ExpectedEndTime * 1e6)
	running.Reserved = false
	running.Allocated = allocated
	if err := e.jobDb.Upsert(txn, []*jobdb.Job{running}); err != nil {
		e.pool.Release(allocated)
		return nil, false, err
	}
	e.ledger.Debit(job.EstimatedEnergy)
	if e.reservation != nil && e.reservation.jobId == job.JobId {
		e.clearReservation()
	}
	e.liveness.RecordAdmission(now)
	e.ledger.LeaveEmergency()
	if e.metrics != nil {
		e.metrics.ReportAdmission(path)
	}
	decision := api.ExecuteJob{
		JobId:     job.JobId,
		Resources: allocated.String(),
	}
	ctx.Log.Debugf("admitted via %s: %s", path, decision)
	return decision, true, nil
}

// reserve installs or refreshes the reservation for the blocked head job.
func (e *SchedulingEngine) reserve(ctx *schedcontext.Context, txn *memdb.Txn, head *jobdb.Job, now float64) error {
	if e.reservation != nil && e.reservation.jobId != head.JobId {
		// The previously reserved job is no longer the head.
		e.clearReservation()
	}
	earliest, err := e.earliestStart(txn, head, now)
	if err != nil {
		return err
	}
	if earliest <= now {
		// Blocked by policy only (e.g. contiguity fragmentation); a promise
		// of "now" would forbid all backfill without helping the head. Any
		// earlier promise has lapsed and must not keep constraining backfill.
		e.clearReservation()
		return nil
	}
	dominated, err := e.smallJobsDominate(txn, head)
	if err != nil {
		return err
	}
	fresh := e.reservation == nil
	e.reservation = &reservation{jobId: head.JobId, promisedStart: earliest}
	e.ledger.ClearThrottle()
	e.ledger.Reserve(head.EstimatedEnergy, earliest, now, dominated)
	if !head.Reserved {
		reserved := head.DeepCopy()
		reserved.Reserved = true
		if err := e.jobDb.Upsert(txn, []*jobdb.Job{reserved}); err != nil {
			return err
		}
	}
	if fresh {
		if e.metrics != nil {
			e.metrics.ReportReservation()
		}
		ctx.Log.Debugf("reserved start t=%.1f for %s, accrual throttled to %.3f W",
			earliest, head.JobId, e.ledger.CurrentRate())
	}
	return nil
}

// earliestStart estimates when the head job can start: the later of the next
// running completion and when enough energy will have accrued, capped to the
// configured lookahead bound.
func (e *SchedulingEngine) earliestStart(txn *memdb.Txn, head *jobdb.Job, now float64) (float64, error) {
	earliest := now
	if int(head.Demand) > e.pool.NumFree() {
		running, err := e.jobDb.RunningJobsByEndTime(txn)
		if err != nil {
			return 0, err
		}
		// Optimistic: the earliest running completion. The reservation is
		// refreshed every cycle, so an early promise costs nothing.
		if len(running) > 0 {
			earliest = math.Max(earliest, running[0].ExpectedEndTime)
		}
	}
	if deficit := e.ledger.Deficit(head.EstimatedEnergy); deficit > 0 && e.ledger.BaseRate() > 0 {
		earliest = math.Max(earliest, now+deficit/e.ledger.BaseRate()*e.config.ReservationSafetyMargin)
	}
	bound := now + e.config.MaxReservationLookahead.Seconds()
	return math.Min(earliest, bound), nil
}

// backfill admits jobs behind the blocked head, best priority first, as long
// as they cannot delay the head's promised start.
func (e *SchedulingEngine) backfill(ctx *schedcontext.Context, txn *memdb.Txn, head *jobdb.Job, now float64) ([]api.Decision, error) {
	queue, err := e.jobDb.QueuedJobs(txn)
	if err != nil {
		return nil, err
	}
	candidates := commonslices.Filter(queue, func(job *jobdb.Job) bool {
		return job.JobId != head.JobId
	})
	rankCandidates(candidates, now)

	decisions := make([]api.Decision, 0)
	for _, job := range candidates {
		if e.reservation != nil && now+job.Walltime > e.reservation.promisedStart {
			continue
		}
		if int(job.Demand) > e.pool.NumFree() {
			continue
		}
		credit, err := e.lookaheadCredit(txn, job, now)
		if err != nil {
			return nil, err
		}
		if !e.ledger.Admissible(job.EstimatedEnergy, now, credit) {
			continue
		}
		if !e.ledger.PowerCapOK(job.Demand, e.busyUnits(), e.pool.NumFree()) {
			continue
		}
		decision, ok, err := e.admit(ctx, txn, job, now, AdmissionBackfill)
		if err != nil {
			return nil, err
		}
		if ok {
			decisions = append(decisions, decision)
		}
	}
	return decisions, nil
}

// bookkeepFailure counts no-admission cycles and performs the one forced
// admission the hard liveness guarantee requires once the failure threshold
// is crossed.
func (e *SchedulingEngine) bookkeepFailure(ctx *schedcontext.Context, txn *memdb.Txn, now float64, admittedAny bool) ([]api.Decision, error) {
	if admittedAny {
		return nil, nil
	}
	queued, err := e.jobDb.HasQueuedJobs(txn)
	if err != nil {
		return nil, err
	}
	if !queued || e.pool.NumFree() == 0 {
		return nil, nil
	}
	if e.metrics != nil {
		e.metrics.ReportFailedCycle()
	}
	if !e.liveness.RecordFailure() {
		return nil, nil
	}
	ctx.Log.Warnf("no admission in %d consecutive cycles with free resources, forcing one", e.config.MaxConsecutiveFailures)
	decision, err := e.forceAdmitBest(ctx, txn, now)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, nil
	}
	return []api.Decision{decision}, nil
}

// forceAdmitBest admits the best-ranked queued job that fits the free
// resources, ignoring the energy check entirely. Used only to break
// livelocks.
func (e *SchedulingEngine) forceAdmitBest(ctx *schedcontext.Context, txn *memdb.Txn, now float64) (api.Decision, error) {
	queue, err := e.jobDb.QueuedJobs(txn)
	if err != nil {
		return nil, err
	}
	candidates := make([]*jobdb.Job, len(queue))
	copy(candidates, queue)
	rankCandidates(candidates, now)
	for _, job := range candidates {
		if int(job.Demand) > e.pool.NumFree() {
			continue
		}
		decision, ok, err := e.admit(ctx, txn, job, now, AdmissionForced)
		if err != nil {
			return nil, err
		}
		if ok {
			ctx.Log.Warnf("forced admission of %s, balance now %.2f J", job.JobId, e.ledger.Available())
			return decision, nil
		}
	}
	return nil, nil
}

func (e *SchedulingEngine) clearReservation() {
	e.reservation = nil
	if e.ledger != nil {
		e.ledger.ClearThrottle()
	}
}

// lookaheadCredit projects the energy that running jobs finishing within the
// job's lookahead window will stop drawing, counted toward its admissibility.
func (e *SchedulingEngine) lookaheadCredit(txn *memdb.Txn, job *jobdb.Job, now float64) (float64, error) {
	window := e.ledger.LookaheadWindow(job.Walltime)
	if window <= 0 {
		return 0, nil
	}
	horizon := now + window
	running, err := e.jobDb.RunningJobsByEndTime(txn)
	if err != nil {
		return 0, err
	}
	credit := 0.0
	for _, r := range running {
		if r.ExpectedEndTime > horizon {
			break
		}
		credit += e.ledger.EstimateRemainingDraw(r.Demand, horizon-r.ExpectedEndTime)
	}
	return credit, nil
}

// smallJobsDominate reports whether the queue behind the head consists mostly
// of jobs much smaller than the head, in which case reservations keep a
// higher accrual floor so those jobs continue to backfill.
func (e *SchedulingEngine) smallJobsDominate(txn *memdb.Txn, head *jobdb.Job) (bool, error) {
	queue, err := e.jobDb.QueuedJobs(txn)
	if err != nil {
		return false, err
	}
	headArea := float64(head.Demand) * head.Walltime
	if headArea <= 0 || len(queue) <= 1 {
		return false, nil
	}
	small := 0
	total := 0
	for _, job := range queue {
		if job.JobId == head.JobId {
			continue
		}
		total++
		if float64(job.Demand)*job.Walltime < e.config.SmallJobFraction*headArea {
			small++
		}
	}
	if total == 0 {
		return false, nil
	}
	return float64(small)/float64(total) >= e.config.SmallJobDominance, nil
}

// rankCandidates orders jobs by wait time per unit of estimated energy,
// greatest first, so long-waiting cheap jobs win. Ties fall back to
// submission order.
func rankCandidates(jobs []*jobdb.Job, now float64) {
	priority := func(job *jobdb.Job) float64 {
		wait := now - job.SubmissionTime
		if job.EstimatedEnergy <= 0 {
			return math.Inf(1)
		}
		return wait / job.EstimatedEnergy
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		pi, pj := priority(jobs[i]), priority(jobs[j])
		if pi != pj {
			return pi > pj
		}
		return jobs[i].Timestamp < jobs[j].Timestamp
	})
}

func (e *SchedulingEngine) reportState(txn *memdb.Txn) error {
	if e.metrics == nil {
		return nil
	}
	queue, err := e.jobDb.QueuedJobs(txn)
	if err != nil {
		return err
	}
	running, err := e.jobDb.RunningJobsByEndTime(txn)
	if err != nil {
		return err
	}
	e.metrics.ReportState(
		e.ledger.Available(),
		e.ledger.Consumed(),
		e.ledger.CurrentRate(),
		e.pool.NumFree(),
		len(queue),
		len(running),
	)
	return nil
}

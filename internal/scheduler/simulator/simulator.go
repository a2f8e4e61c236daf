// Package simulator replays a workload against the scheduling engine in
// virtual time. It synthesizes the host side of the protocol: job submissions
// fire at their configured times and completions fire walltime seconds after
// each admission.
package simulator

import (
	"container/heap"
	"fmt"

	"github.com/pkg/errors"

	"github.com/batsched/batsched/internal/common/schedcontext"
	"github.com/batsched/batsched/internal/scheduler"
	"github.com/batsched/batsched/internal/scheduler/configuration"
	"github.com/batsched/batsched/internal/scheduler/resourcepool"
	"github.com/batsched/batsched/pkg/api"
)

// Interval between wakeup invocations while jobs are waiting, in virtual
// seconds. Bounds how stale a deferred admission decision can get.
const wakeupInterval = 5.0

// SimulationResult summarizes one finished run.
type SimulationResult struct {
	// Virtual time at which the last job completed.
	Makespan float64
	// Jobs that ran to completion.
	CompletedJobs int
	// Jobs rejected for oversized demand.
	RejectedJobs int
	// Estimated energy consumed over the run, in joules.
	EnergyConsumed float64
	// Every decision the engine emitted, in order.
	Decisions []api.Decision
}

// Simulator drives one engine through one workload.
type Simulator struct {
	workload *WorkloadSpec
	engine   *scheduler.SchedulingEngine
	// Events stored in a priority queue ordered first by timestamp and second
	// by sequence number.
	eventLog EventLog
	// Sequence number of the next event pushed.
	sequenceNumber int
	// Current simulated time.
	time float64
	// Walltime per job id, for synthesizing completions.
	walltimeByJobId map[string]float64
	// Jobs submitted but not yet terminal.
	pendingJobs int
	// Units currently allocated, for validating engine decisions.
	allocated map[string]resourcepool.ResourceSet
	// Simulation stops once virtual time passes this bound.
	hardTerminationTime float64

	result SimulationResult
}

// NewSimulator prepares the event log for one run. metrics may be nil.
func NewSimulator(workload *WorkloadSpec, schedulingConfig configuration.SchedulingConfig, metrics *scheduler.SchedulerMetrics, hardTerminationTime float64) (*Simulator, error) {
	engine, err := scheduler.NewSchedulingEngine(schedulingConfig, metrics)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		workload:            workload,
		engine:              engine,
		walltimeByJobId:     make(map[string]float64),
		allocated:           make(map[string]resourcepool.ResourceSet),
		hardTerminationTime: hardTerminationTime,
	}
	s.pushEvent(0, api.Hello{})
	s.pushEvent(0, api.SimulationBegins{Capacity: workload.Capacity})
	lastSubmission := 0.0
	for _, template := range workload.Jobs {
		for i := 0; i < template.Count; i++ {
			id := template.Id
			if template.Count > 1 {
				id = jobInstanceId(template.Id, i)
			}
			at := template.SubmissionTime + float64(i)*template.SubmissionInterval
			s.pushEvent(at, api.JobSubmitted{
				JobId:    id,
				Demand:   template.Demand,
				Walltime: template.Walltime,
			})
			s.walltimeByJobId[id] = template.Walltime
			if at > lastSubmission {
				lastSubmission = at
			}
			s.pendingJobs++
		}
	}
	s.pushEvent(lastSubmission, api.AllJobsSubmitted{})
	return s, nil
}

// Run replays the workload to completion, checking invariants on every
// decision, and returns the run summary.
func (s *Simulator) Run(ctx *schedcontext.Context) (*SimulationResult, error) {
	ctx = schedcontext.WithLogField(ctx, "workload", s.workload.Name)
	for s.eventLog.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		batch := s.nextBatch()
		if batch.Now > s.hardTerminationTime {
			return nil, errors.Errorf("simulation passed the termination bound at t=%.1f with %d jobs pending", batch.Now, s.pendingJobs)
		}
		s.time = batch.Now
		out, err := s.engine.HandleBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		// Completions in this batch free their units before any decision it
		// triggered is validated against the held allocations.
		s.recordCompletions(batch)
		if err := s.applyDecisions(out); err != nil {
			return nil, err
		}
		if s.pendingJobs > 0 && s.eventLog.Len() == 0 {
			s.pushEvent(s.time+wakeupInterval, wakeupEvent{})
		}
	}
	s.result.EnergyConsumed = s.engine.EnergyConsumed()
	ctx.Log.Infof(
		"simulation finished: makespan %.1fs, %d completed, %d rejected, %.2f J consumed",
		s.result.Makespan, s.result.CompletedJobs, s.result.RejectedJobs, s.result.EnergyConsumed,
	)
	return &s.result, nil
}

// nextBatch drains every event sharing the earliest timestamp into one batch.
func (s *Simulator) nextBatch() *api.EventBatch {
	first := heap.Pop(&s.eventLog).(Event)
	batch := &api.EventBatch{Now: first.time}
	for event := first; ; {
		if apiEvent, ok := event.payload.(api.Event); ok {
			batch.Events = append(batch.Events, apiEvent)
		}
		if s.eventLog.Len() == 0 || s.eventLog[0].time != first.time {
			break
		}
		event = heap.Pop(&s.eventLog).(Event)
	}
	return batch
}

func (s *Simulator) applyDecisions(batch *api.DecisionBatch) error {
	for _, decision := range batch.Decisions {
		s.result.Decisions = append(s.result.Decisions, decision)
		switch d := decision.(type) {
		case api.Identify:
		case api.ExecuteJob:
			set, err := resourcepool.ParseResourceSet(d.Resources)
			if err != nil {
				return errors.Wrapf(err, "undecodable resource set for job %s", d.JobId)
			}
			for id, other := range s.allocated {
				if set.Intersects(other) {
					return errors.Errorf("job %s allocated units already held by %s", d.JobId, id)
				}
			}
			s.allocated[d.JobId] = set
			walltime, ok := s.walltimeByJobId[d.JobId]
			if !ok {
				return errors.Errorf("engine executed unknown job %s", d.JobId)
			}
			s.pushEvent(batch.Now+walltime, api.JobCompleted{JobId: d.JobId})
		case api.RejectJob:
			s.result.RejectedJobs++
			s.pendingJobs--
		default:
			return errors.Errorf("unknown decision type %T", decision)
		}
	}
	return nil
}

// recordCompletions updates host-side bookkeeping for completions the engine
// was just told about.
func (s *Simulator) recordCompletions(batch *api.EventBatch) {
	for _, event := range batch.Events {
		if completed, ok := event.(api.JobCompleted); ok {
			delete(s.allocated, completed.JobId)
			s.pendingJobs--
			s.result.CompletedJobs++
			s.result.Makespan = batch.Now
		}
	}
}

func jobInstanceId(templateId string, i int) string {
	return fmt.Sprintf("%s-%d", templateId, i)
}

func (s *Simulator) pushEvent(at float64, payload any) {
	heap.Push(&s.eventLog, Event{
		time:           at,
		sequenceNumber: s.sequenceNumber,
		payload:        payload,
	})
	s.sequenceNumber++
}

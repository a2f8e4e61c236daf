package jobdb

import (
	"github.com/batsched/batsched/internal/scheduler/resourcepool"
)

// Job states, in lifecycle order. Stored as strings so the memdb order index
// can group by state.
const (
	Queued    = "queued"
	Running   = "running"
	Completed = "completed"
	Rejected  = "rejected"
)

// Job is the scheduler-internal representation of a job. Jobs stored in the
// JobDb must not be modified in place; take a DeepCopy, mutate that and
// upsert it.
type Job struct {
	// External job identifier, unique for the lifetime of the simulation.
	JobId string
	// Number of resource units the job needs for its whole duration.
	Demand uint32
	// User-supplied upper bound on runtime, in virtual seconds.
	Walltime float64
	// Demand x per-unit busy power estimate x walltime, computed at
	// submission. In joules.
	EstimatedEnergy float64
	// Virtual time at which the job was submitted.
	SubmissionTime float64
	// Virtual time at which the job started running. Zero until then.
	StartTime float64
	// StartTime + Walltime. Only meaningful for running jobs.
	ExpectedEndTime float64
	// ExpectedEndTime in integer microseconds, for index ordering.
	ExpectedEndTimeMicros int64
	// Current lifecycle state.
	State string
	// True while a reservation promises this job a start time.
	Reserved bool
	// Units allocated to the job. Nil unless running.
	Allocated resourcepool.ResourceSet
	// Logical timestamp indicating the order in which jobs were submitted.
	// Jobs in the same state are sorted by timestamp, which gives FCFS.
	Timestamp int64
}

func (job *Job) GetId() string {
	return job.JobId
}

// InTerminalState returns true if the job will never be scheduled again.
func (job *Job) InTerminalState() bool {
	return job.State == Completed || job.State == Rejected
}

// DeepCopy copies the job, including its allocated set.
// This is needed because jobs stored in the JobDb cannot be modified in-place.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	allocated := make(resourcepool.ResourceSet, len(job.Allocated))
	copy(allocated, job.Allocated)
	return &Job{
		JobId:                 job.JobId,
		Demand:                job.Demand,
		Walltime:              job.Walltime,
		EstimatedEnergy:       job.EstimatedEnergy,
		SubmissionTime:        job.SubmissionTime,
		StartTime:             job.StartTime,
		ExpectedEndTime:       job.ExpectedEndTime,
		ExpectedEndTimeMicros: job.ExpectedEndTimeMicros,
		State:                 job.State,
		Reserved:              job.Reserved,
		Allocated:             allocated,
		Timestamp:             job.Timestamp,
	}
}

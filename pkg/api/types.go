// Package api holds the event and decision types exchanged between the
// scheduler and its host. The host is responsible for the wire encoding;
// the scheduler only ever sees ordered batches of these values.
package api

import "fmt"

// Event is implemented by every event the host may deliver.
type Event interface {
	isEvent()
}

// Hello is the protocol handshake. The scheduler answers with an Identify
// decision and takes no scheduling action.
type Hello struct{}

// SimulationBegins announces the platform size. It must be delivered before
// any JobSubmitted event.
type SimulationBegins struct {
	// Number of identical compute units on the platform.
	Capacity uint32
}

// JobSubmitted announces a newly submitted job.
type JobSubmitted struct {
	JobId string
	// Number of compute units the job needs.
	Demand uint32
	// Estimated runtime in seconds.
	Walltime float64
}

// JobCompleted announces that a previously executed job has finished.
type JobCompleted struct {
	JobId string
}

// AllJobsSubmitted signals that no further JobSubmitted events will arrive.
type AllJobsSubmitted struct{}

func (Hello) isEvent()            {}
func (SimulationBegins) isEvent() {}
func (JobSubmitted) isEvent()     {}
func (JobCompleted) isEvent()     {}
func (AllJobsSubmitted) isEvent() {}

// EventBatch is one invocation's worth of events together with the current
// virtual time. Events must be applied in slice order.
type EventBatch struct {
	// Virtual time in seconds since the start of the simulation.
	Now    float64
	Events []Event
}

// Decision is implemented by every decision the scheduler may emit.
type Decision interface {
	isDecision()
}

// Identify answers a Hello event.
type Identify struct {
	Name    string
	Version string
}

// ExecuteJob starts a job on a set of compute units. Resources is the sorted,
// range-compressed encoding of the allocated unit ids, e.g. "0-3,7".
type ExecuteJob struct {
	JobId     string
	Resources string
}

// RejectJob rejects a job permanently. Only emitted for jobs whose demand
// exceeds the platform capacity.
type RejectJob struct {
	JobId string
}

func (Identify) isDecision()   {}
func (ExecuteJob) isDecision() {}
func (RejectJob) isDecision()  {}

// DecisionBatch is the scheduler's response to one event batch.
type DecisionBatch struct {
	// Virtual time at which the decisions were taken.
	Now       float64
	Decisions []Decision
}

func (e JobSubmitted) String() string {
	return fmt.Sprintf("JobSubmitted{%s demand=%d walltime=%.1fs}", e.JobId, e.Demand, e.Walltime)
}

func (d ExecuteJob) String() string {
	return fmt.Sprintf("ExecuteJob{%s on %s}", d.JobId, d.Resources)
}

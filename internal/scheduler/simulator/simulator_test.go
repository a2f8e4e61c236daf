package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsched/batsched/internal/common/schedcontext"
	"github.com/batsched/batsched/internal/scheduler/configuration"
	"github.com/batsched/batsched/pkg/api"
)

func testSchedulingConfig(profile configuration.Profile) configuration.SchedulingConfig {
	config := configuration.SchedulingConfig{
		Profile:                profile,
		EnergyBudgetPercentage: 1.0,
		PeriodLength:           600 * time.Second,
		BusyPowerPerUnit:       200,
		IdlePowerPerUnit:       100,
	}
	config.ApplyProfileDefaults()
	return config
}

func testWorkload() *WorkloadSpec {
	workload := &WorkloadSpec{
		Name:     "test",
		Capacity: 4,
		Jobs: []*JobTemplate{
			{Id: "wide", SubmissionTime: 0, Demand: 4, Walltime: 100},
			{Id: "small", Count: 3, SubmissionTime: 1, SubmissionInterval: 2, Demand: 1, Walltime: 10},
			{Id: "huge", SubmissionTime: 5, Demand: 9, Walltime: 10},
		},
	}
	if err := initialiseWorkloadSpec(workload); err != nil {
		panic(err)
	}
	return workload
}

func TestInitialiseWorkloadSpec(t *testing.T) {
	workload := testWorkload()
	// Single-count templates keep their ids, multi-count ones are generated.
	assert.Equal(t, "wide", workload.Jobs[0].Id)
	assert.NotEmpty(t, workload.Jobs[1].Id)
	assert.NotEqual(t, "small", workload.Jobs[1].Id)
	assert.Equal(t, 1, workload.Jobs[0].Count)
}

func TestInitialiseWorkloadSpecErrors(t *testing.T) {
	tests := map[string]*WorkloadSpec{
		"zero capacity": {Capacity: 0},
		"zero walltime": {Capacity: 4, Jobs: []*JobTemplate{{Id: "a", Demand: 1}}},
		"duplicate ids": {Capacity: 4, Jobs: []*JobTemplate{
			{Id: "a", Demand: 1, Walltime: 10},
			{Id: "a", Demand: 1, Walltime: 10},
		}},
	}
	for name, workload := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, initialiseWorkloadSpec(workload))
		})
	}
}

func TestSimulationRunsToCompletion(t *testing.T) {
	tests := map[string]configuration.Profile{
		"plain backfilling": configuration.ProfileFcfsBackfill,
		"power capped":      configuration.ProfilePowerCapped,
		"energy budget":     configuration.ProfileEnergyBudget,
	}
	for name, profile := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := NewSimulator(testWorkload(), testSchedulingConfig(profile), nil, 1e6)
			require.NoError(t, err)
			result, err := s.Run(schedcontext.Background())
			require.NoError(t, err)

			// 4 jobs fit the platform, the 9-unit one is rejected.
			assert.Equal(t, 4, result.CompletedJobs)
			assert.Equal(t, 1, result.RejectedJobs)
			assert.Greater(t, result.Makespan, 0.0)
			if profile == configuration.ProfileEnergyBudget {
				assert.Greater(t, result.EnergyConsumed, 0.0)
			}
		})
	}
}

func TestSimulationEmitsOneExecutionPerJob(t *testing.T) {
	s, err := NewSimulator(testWorkload(), testSchedulingConfig(configuration.ProfileFcfsBackfill), nil, 1e6)
	require.NoError(t, err)
	result, err := s.Run(schedcontext.Background())
	require.NoError(t, err)

	executed := make(map[string]int)
	rejected := make(map[string]int)
	for _, decision := range result.Decisions {
		switch d := decision.(type) {
		case api.ExecuteJob:
			executed[d.JobId]++
		case api.RejectJob:
			rejected[d.JobId]++
		}
	}
	assert.Len(t, executed, 4)
	for id, count := range executed {
		assert.Equal(t, 1, count, "job %s", id)
	}
	assert.Len(t, rejected, 1)
}

func TestEventLogOrdering(t *testing.T) {
	s := &Simulator{}
	s.pushEvent(10, wakeupEvent{})
	s.pushEvent(5, wakeupEvent{})
	s.pushEvent(5, api.Hello{})
	s.pushEvent(1, api.AllJobsSubmitted{})

	batch := s.nextBatch()
	assert.Equal(t, 1.0, batch.Now)
	require.Len(t, batch.Events, 1)

	// Events with equal times drain into one batch in push order.
	batch = s.nextBatch()
	assert.Equal(t, 5.0, batch.Now)
	require.Len(t, batch.Events, 1)
	assert.IsType(t, api.Hello{}, batch.Events[0])

	batch = s.nextBatch()
	assert.Equal(t, 10.0, batch.Now)
	assert.Empty(t, batch.Events)
}

func TestReusesUnitsFreedInSameBatch(t *testing.T) {
	// On a one-unit platform the second job can only start in the very batch
	// that delivers the first job's completion, on the same unit.
	workload := &WorkloadSpec{
		Name:     "handover",
		Capacity: 1,
		Jobs: []*JobTemplate{
			{Id: "first", SubmissionTime: 0, Demand: 1, Walltime: 10},
			{Id: "second", SubmissionTime: 0, Demand: 1, Walltime: 10},
		},
	}
	require.NoError(t, initialiseWorkloadSpec(workload))

	s, err := NewSimulator(workload, testSchedulingConfig(configuration.ProfileFcfsBackfill), nil, 1e6)
	require.NoError(t, err)
	result, err := s.Run(schedcontext.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.CompletedJobs)
	for _, decision := range result.Decisions {
		if execute, ok := decision.(api.ExecuteJob); ok {
			assert.Equal(t, "0", execute.Resources)
		}
	}
}

package jobdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDbSchema(t *testing.T) {
	err := jobDbSchema().Validate()
	assert.NoError(t, err)
}

func TestUpsertAndGetById(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.WriteTxn()

	job := &Job{JobId: "a", Demand: 2, Walltime: 10, State: Queued, Timestamp: db.NextTimestamp()}
	require.NoError(t, db.Upsert(txn, []*Job{job}))

	fetched, err := db.GetById(txn, "a")
	require.NoError(t, err)
	assert.Equal(t, job, fetched)

	missing, err := db.GetById(txn, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueuedJobsAreFcfsOrdered(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.WriteTxn()

	// Insert out of submission order; iteration must restore it.
	jobs := make([]*Job, 0)
	timestamps := []int64{}
	for i := 0; i < 5; i++ {
		timestamps = append(timestamps, db.NextTimestamp())
	}
	for _, i := range []int{3, 0, 4, 1, 2} {
		jobs = append(jobs, &Job{
			JobId:     fmt.Sprintf("job-%d", i),
			State:     Queued,
			Timestamp: timestamps[i],
		})
	}
	require.NoError(t, db.Upsert(txn, jobs))

	queued, err := db.QueuedJobs(txn)
	require.NoError(t, err)
	require.Len(t, queued, 5)
	for i, job := range queued {
		assert.Equal(t, fmt.Sprintf("job-%d", i), job.JobId)
	}

	head, err := db.QueueHead(txn)
	require.NoError(t, err)
	assert.Equal(t, "job-0", head.JobId)
}

func TestQueueHeadIgnoresOtherStates(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.WriteTxn()

	require.NoError(t, db.Upsert(txn, []*Job{
		{JobId: "done", State: Completed, Timestamp: db.NextTimestamp()},
		{JobId: "waiting", State: Queued, Timestamp: db.NextTimestamp()},
		{JobId: "rejected", State: Rejected, Timestamp: db.NextTimestamp()},
	}))

	head, err := db.QueueHead(txn)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "waiting", head.JobId)

	hasQueued, err := db.HasQueuedJobs(txn)
	require.NoError(t, err)
	assert.True(t, hasQueued)
}

func TestEmptyQueue(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.ReadTxn()

	head, err := db.QueueHead(txn)
	require.NoError(t, err)
	assert.Nil(t, head)

	hasQueued, err := db.HasQueuedJobs(txn)
	require.NoError(t, err)
	assert.False(t, hasQueued)
}

func TestRunningJobsByEndTime(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.WriteTxn()

	mkRunning := func(id string, end float64) *Job {
		return &Job{
			JobId:                 id,
			State:                 Running,
			ExpectedEndTime:       end,
			ExpectedEndTimeMicros: int64(end * 1e6),
			Timestamp:             db.NextTimestamp(),
		}
	}
	require.NoError(t, db.Upsert(txn, []*Job{
		mkRunning("late", 300),
		mkRunning("soon", 10),
		{JobId: "queued", State: Queued, Timestamp: db.NextTimestamp()},
		mkRunning("middle", 50.5),
	}))

	running, err := db.RunningJobsByEndTime(txn)
	require.NoError(t, err)
	require.Len(t, running, 3)
	assert.Equal(t, "soon", running[0].JobId)
	assert.Equal(t, "middle", running[1].JobId)
	assert.Equal(t, "late", running[2].JobId)
}

func TestStateTransitionViaDeepCopy(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)
	txn := db.WriteTxn()

	job := &Job{JobId: "a", State: Queued, Timestamp: db.NextTimestamp()}
	require.NoError(t, db.Upsert(txn, []*Job{job}))

	running := job.DeepCopy()
	running.State = Running
	running.StartTime = 5
	running.ExpectedEndTime = 15
	running.ExpectedEndTimeMicros = 15e6
	require.NoError(t, db.Upsert(txn, []*Job{running}))

	queued, err := db.QueuedJobs(txn)
	require.NoError(t, err)
	assert.Empty(t, queued)

	fetched, err := db.GetById(txn, "a")
	require.NoError(t, err)
	assert.Equal(t, Running, fetched.State)
	assert.False(t, fetched.InTerminalState())

	completed := fetched.DeepCopy()
	completed.State = Completed
	require.NoError(t, db.Upsert(txn, []*Job{completed}))
	fetched, err = db.GetById(txn, "a")
	require.NoError(t, err)
	assert.True(t, fetched.InTerminalState())
}

func TestTransactionIsolation(t *testing.T) {
	db, err := NewJobDb()
	require.NoError(t, err)

	txn := db.WriteTxn()
	require.NoError(t, db.Upsert(txn, []*Job{{JobId: "a", State: Queued, Timestamp: db.NextTimestamp()}}))

	// An uncommitted write is invisible to readers.
	read := db.ReadTxn()
	job, err := db.GetById(read, "a")
	require.NoError(t, err)
	assert.Nil(t, job)

	txn.Commit()
	read = db.ReadTxn()
	job, err = db.GetById(read, "a")
	require.NoError(t, err)
	require.NotNil(t, job)
}

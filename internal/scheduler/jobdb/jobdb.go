package jobdb

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	jobsTable    = "jobs"
	idIndex      = "id"      // index for looking up jobs by id
	orderIndex   = "order"   // index for iterating over jobs in a given state in submission order
	endTimeIndex = "endTime" // index for iterating over running jobs by expected end time
)

// JobDb stores all jobs the scheduler has seen, across their whole lifecycle.
// It allows for efficiently iterating over queued jobs in submission order and
// over running jobs in expected-completion order.
// JobDb is implemented on top of https://github.com/hashicorp/go-memdb which is
// a simple in-memory database built on immutable radix trees.
type JobDb struct {
	// In-memory database. Stores *Job.
	Db *memdb.MemDB
	// Logical clock handed out to jobs as they are submitted.
	clock int64
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{
		Db: db,
	}, nil
}

// NextTimestamp returns a fresh logical timestamp. Timestamps are strictly
// increasing, so jobs submitted at the same virtual time still have a total
// FCFS order.
func (jobDb *JobDb) NextTimestamp() int64 {
	jobDb.clock++
	return jobDb.clock
}

// Upsert will insert the given jobs if they don't already exist or update them if they do.
// Any jobs passed to this function *must not* be subsequently modified.
func (jobDb *JobDb) Upsert(txn *memdb.Txn, jobs []*Job) error {
	for _, job := range jobs {
		err := txn.Insert(jobsTable, job)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the job with the given id or nil if no such job exists.
// The Job returned by this function *must not* be subsequently modified.
func (jobDb *JobDb) GetById(txn *memdb.Txn, id string) (*Job, error) {
	var job *Job = nil
	iter, err := txn.Get(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := iter.Next()
	if result != nil {
		job = result.(*Job)
	}
	return job, err
}

// HasQueuedJobs returns true if any job is waiting to be scheduled.
func (jobDb *JobDb) HasQueuedJobs(txn *memdb.Txn) (bool, error) {
	iter, err := NewQueuedJobsIterator(txn)
	if err != nil {
		return false, err
	}
	return iter.NextJobItem() != nil, nil
}

// QueueHead returns the first queued job in submission order, or nil if the
// queue is empty.
func (jobDb *JobDb) QueueHead(txn *memdb.Txn) (*Job, error) {
	iter, err := NewQueuedJobsIterator(txn)
	if err != nil {
		return nil, err
	}
	return iter.NextJobItem(), nil
}

// QueuedJobs returns all queued jobs in submission order.
// The Jobs returned by this function *must not* be subsequently modified.
func (jobDb *JobDb) QueuedJobs(txn *memdb.Txn) ([]*Job, error) {
	iter, err := NewQueuedJobsIterator(txn)
	if err != nil {
		return nil, err
	}
	result := make([]*Job, 0)
	for job := iter.NextJobItem(); job != nil; job = iter.NextJobItem() {
		result = append(result, job)
	}
	return result, nil
}

// RunningJobsByEndTime returns all running jobs ordered by expected end time,
// soonest first. This is the order lookahead credit and resource availability
// estimates are computed in.
// The Jobs returned by this function *must not* be subsequently modified.
func (jobDb *JobDb) RunningJobsByEndTime(txn *memdb.Txn) ([]*Job, error) {
	it, err := txn.LowerBound(jobsTable, endTimeIndex, Running, -math.MaxInt64)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Job, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := obj.(*Job)
		if job.State != Running {
			// The index is sorted by state first, so we've seen all
			// running jobs when this comparison fails.
			break
		}
		result = append(result, job)
	}
	return result, nil
}

// GetAll returns all jobs in the database.
// The Jobs returned by this function *must not* be subsequently modified.
func (jobDb *JobDb) GetAll(txn *memdb.Txn) ([]*Job, error) {
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*Job))
	}
	return result, nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (jobDb *JobDb) ReadTxn() *memdb.Txn {
	return jobDb.Db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (jobDb *JobDb) WriteTxn() *memdb.Txn {
	return jobDb.Db.Txn(true)
}

// QueuedJobsIterator iterates over queued jobs in submission order.
type QueuedJobsIterator struct {
	it memdb.ResultIterator
}

func NewQueuedJobsIterator(txn *memdb.Txn) (*QueuedJobsIterator, error) {
	minTimestamp := -math.MaxInt64
	it, err := txn.LowerBound(jobsTable, orderIndex, Queued, minTimestamp)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &QueuedJobsIterator{
		it: it,
	}, nil
}

// WatchCh is needed to implement the memdb.ResultIterator interface but is not needed for our use case
func (it *QueuedJobsIterator) WatchCh() <-chan struct{} {
	panic("not implemented")
}

// NextJobItem returns the next queued Job or nil if the end of the iterator has been reached
func (it *QueuedJobsIterator) NextJobItem() *Job {
	obj := it.it.Next()
	if obj == nil {
		return nil
	}
	job, ok := obj.(*Job)
	if !ok {
		panic(fmt.Sprintf("expected *Job, but got %T", obj))
	}
	if job.State != Queued {
		// The index is sorted by state first.
		// So we've seen all queued jobs when this comparison fails.
		return nil
	}
	return job
}

// Next is needed to implement the memdb.ResultIterator interface. External callers should use NextJobItem which
// provides a typesafe mechanism for getting the next Job
func (it *QueuedJobsIterator) Next() interface{} {
	return it.NextJobItem()
}

// jobDbSchema() creates the database schema.
// This is a simple schema consisting of a single "jobs" table with indexes for fast lookups
func jobDbSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "JobId"},
	}
	indexes[orderIndex] = &memdb.IndexSchema{
		Name:   orderIndex, // FCFS iteration over jobs in a given state
		Unique: false,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "State"},
				&memdb.IntFieldIndex{Field: "Timestamp"},
			},
		},
	}
	indexes[endTimeIndex] = &memdb.IndexSchema{
		Name:   endTimeIndex, // running jobs by expected completion
		Unique: false,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "State"},
				&memdb.IntFieldIndex{Field: "ExpectedEndTimeMicros"},
			},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}

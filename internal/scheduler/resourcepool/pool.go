// Package resourcepool tracks which of the platform's identical compute units
// are free and performs allocation under a configurable packing policy.
package resourcepool

import (
	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"

	"github.com/batsched/batsched/internal/scheduler/configuration"
)

type unitComparer struct{}

func (unitComparer) Compare(a, b uint32) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// Pool partitions the unit range [0, capacity) into free and used units.
// It is exclusively owned by one scheduling engine and not safe for
// concurrent use.
type Pool struct {
	capacity uint32
	policy   configuration.AllocationPolicy
	free     *immutable.SortedSet[uint32]
}

// NewPool returns a Pool with all capacity units free.
func NewPool(capacity uint32, policy configuration.AllocationPolicy) (*Pool, error) {
	switch policy {
	case configuration.AnyAvailable, configuration.FirstFitContiguous:
	default:
		return nil, errors.Errorf("unknown allocation policy %q", policy)
	}
	free := immutable.NewSortedSet[uint32](unitComparer{})
	for id := uint32(0); id < capacity; id++ {
		free = free.Add(id)
	}
	return &Pool{
		capacity: capacity,
		policy:   policy,
		free:     &free,
	}, nil
}

func (pool *Pool) Capacity() uint32 {
	return pool.capacity
}

// NumFree returns the number of currently free units.
func (pool *Pool) NumFree() int {
	return pool.free.Len()
}

// Allocate removes n free units under the configured policy and returns them.
// Returns false without mutating the pool if the policy cannot satisfy the
// request; note that first-fit-contiguous may fail under fragmentation even
// when n units are free.
func (pool *Pool) Allocate(n uint32) (ResourceSet, bool) {
	if n == 0 || int(n) > pool.free.Len() {
		return nil, false
	}
	var set ResourceSet
	switch pool.policy {
	case configuration.FirstFitContiguous:
		set = pool.firstFitContiguous(n)
	default:
		set = pool.anyAvailable(n)
	}
	if set == nil {
		return nil, false
	}
	free := *pool.free
	for _, id := range set {
		free = free.Delete(id)
	}
	pool.free = &free
	return set, true
}

// Release returns units to the free set. The caller guarantees the set was
// previously allocated and is disjoint from the current free set.
func (pool *Pool) Release(set ResourceSet) {
	free := *pool.free
	for _, id := range set {
		free = free.Add(id)
	}
	pool.free = &free
}

// FreeSet returns the current free units as a ResourceSet.
func (pool *Pool) FreeSet() ResourceSet {
	set := make(ResourceSet, 0, pool.free.Len())
	for itr := pool.free.Iterator(); !itr.Done(); {
		id, _ := itr.Next()
		set = append(set, id)
	}
	return set
}

func (pool *Pool) anyAvailable(n uint32) ResourceSet {
	set := make(ResourceSet, 0, n)
	for itr := pool.free.Iterator(); !itr.Done() && uint32(len(set)) < n; {
		id, _ := itr.Next()
		set = append(set, id)
	}
	return set
}

func (pool *Pool) firstFitContiguous(n uint32) ResourceSet {
	var runStart uint32
	var runLen uint32
	first := true
	var prev uint32
	for itr := pool.free.Iterator(); !itr.Done(); {
		id, _ := itr.Next()
		if first || id != prev+1 {
			runStart = id
			runLen = 1
			first = false
		} else {
			runLen++
		}
		prev = id
		if runLen == n {
			set := make(ResourceSet, 0, n)
			for unit := runStart; unit <= id; unit++ {
				set = append(set, unit)
			}
			return set
		}
	}
	return nil
}

package store

import (
	"sync"

	"oss.nandlabs.io/taskflow/collections"
	"oss.nandlabs.io/taskflow/job"
)

// Bucket holds the jobs currently in one lifecycle stage (pending,
// running or terminal) preserving submission order, the same
// ordered-map-by-hand idiom SimpleComponentManager uses for its
// registered components: a map for O(1) lookup by id, plus a parallel
// ordered list of ids for FIFO iteration.
type Bucket struct {
	mutex sync.RWMutex
	jobs  map[string]*job.Job
	order *collections.ArrayList[string]
}

// NewBucket returns an empty Bucket.
func NewBucket() *Bucket {
	return &Bucket{
		jobs:  make(map[string]*job.Job),
		order: collections.NewArrayList[string](),
	}
}

// Add appends j to the tail of the bucket. A job already present is
// left at its original position.
func (b *Bucket) Add(j *job.Job) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, exists := b.jobs[j.ID()]; exists {
		return
	}
	b.jobs[j.ID()] = j
	_ = b.order.AddLast(j.ID())
}

// Remove takes j out of the bucket.
func (b *Bucket) Remove(id string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, exists := b.jobs[id]; !exists {
		return
	}
	delete(b.jobs, id)
	b.order.Remove(id)
}

// Get returns the job with the given id, if present.
func (b *Bucket) Get(id string) (*job.Job, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	j, ok := b.jobs[id]
	return j, ok
}

// Len returns the number of jobs currently in the bucket.
func (b *Bucket) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.order.Size()
}

// Ordered returns the jobs in submission order. The returned slice is
// a snapshot; mutating the bucket afterwards does not affect it.
func (b *Bucket) Ordered() []*job.Job {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	out := make([]*job.Job, 0, b.order.Size())
	it := b.order.Iterator()
	for it.HasNext() {
		id := it.Next()
		if j, ok := b.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out
}

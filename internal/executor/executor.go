// Package executor runs resumable background jobs in bounded time slices
// between frames.
package executor

import (
	"fmt"
	"time"
)

// ID identifies a spawned job.
type ID uint64

// Budget is the time a job may spend in one Resume call.
type Budget struct {
	deadline time.Time
	now      func() time.Time
}

// NewBudget creates a budget ending at deadline, measured with now.
func NewBudget(deadline time.Time, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{deadline: deadline, now: now}
}

// Exhausted reports whether the job must checkpoint and return.
func (b *Budget) Exhausted() bool {
	return !b.now().Before(b.deadline)
}

// Job is a cooperative unit of background work. Resume continues from where
// the previous call stopped and returns done=true once Result is ready. A job
// that never checks its budget stalls the frame loop.
type Job interface {
	Name() string
	Resume(b *Budget) (done bool, err error)
	Result() any
}

// Result is what a finished job hands back to the caller.
type Result struct {
	ID    ID
	Name  string
	Value any
	Err   error
}

// Value extracts a typed result value.
func Value[T any](r Result) (T, error) {
	var zero T
	if r.Err != nil {
		return zero, r.Err
	}
	v, ok := r.Value.(T)
	if !ok {
		return zero, fmt.Errorf("job %q returned %T", r.Name, r.Value)
	}
	return v, nil
}

type jobState struct {
	id  ID
	job Job
}

// Executor is a round-robin cooperative scheduler. It is not safe for
// concurrent use.
type Executor struct {
	now    func() time.Time
	jobs   []jobState
	rr     int
	nextID ID
}

// New creates an executor; a nil clock means time.Now.
func New(now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{now: now}
}

// Spawn queues a job.
func (x *Executor) Spawn(j Job) ID {
	x.nextID++
	x.jobs = append(x.jobs, jobState{id: x.nextID, job: j})
	return x.nextID
}

// Pending returns the number of unfinished jobs.
func (x *Executor) Pending() int {
	return len(x.jobs)
}

// Run resumes jobs in turn until budget is spent or no job remains, and
// returns the results of the jobs that finished. Failed jobs are not retried.
func (x *Executor) Run(budget time.Duration) []Result {
	if len(x.jobs) == 0 || budget <= 0 {
		return nil
	}
	b := NewBudget(x.now().Add(budget), x.now)

	var results []Result
	for len(x.jobs) > 0 {
		if x.rr >= len(x.jobs) {
			x.rr = 0
		}
		st := x.jobs[x.rr]
		done, err := st.job.Resume(b)
		if done || err != nil {
			r := Result{ID: st.id, Name: st.job.Name(), Err: err}
			if err == nil {
				r.Value = st.job.Result()
			}
			results = append(results, r)
			x.jobs = append(x.jobs[:x.rr], x.jobs[x.rr+1:]...)
		} else {
			x.rr++
		}
		if b.Exhausted() {
			break
		}
	}
	return results
}

package executor

import (
	"errors"
	"testing"
	"time"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

// countJob sums 1..n, one number per budget check.
type countJob struct {
	name    string
	n, i    int
	sum     int
	resumes int
	fail    error
}

func (j *countJob) Name() string { return j.name }

func (j *countJob) Resume(b *Budget) (bool, error) {
	j.resumes++
	if j.fail != nil {
		return false, j.fail
	}
	for j.i < j.n {
		j.i++
		j.sum += j.i
		if b.Exhausted() {
			return j.i == j.n, nil
		}
	}
	return true, nil
}

func (j *countJob) Result() any { return j.sum }

func TestJobResumesAcrossTicks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Millisecond}
	x := New(clock.now)
	job := &countJob{name: "sum", n: 100}
	x.Spawn(job)

	var results []Result
	ticks := 0
	for x.Pending() > 0 {
		results = append(results, x.Run(8*time.Millisecond)...)
		ticks++
		if ticks > 100 {
			t.Fatalf("job never finished")
		}
	}
	if ticks < 2 {
		t.Fatalf("expected the job to span several ticks, took %d", ticks)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	sum, err := Value[int](results[0])
	if err != nil || sum != 5050 {
		t.Fatalf("expected 5050, got %d (%v)", sum, err)
	}
}

func TestRoundRobinSharesTheBudget(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Millisecond}
	x := New(clock.now)
	a := &countJob{name: "a", n: 1000}
	b := &countJob{name: "b", n: 1000}
	x.Spawn(a)
	x.Spawn(b)

	for i := 0; i < 10; i++ {
		x.Run(4 * time.Millisecond)
	}
	if a.resumes == 0 || b.resumes == 0 {
		t.Fatalf("both jobs should have run, got %d and %d resumes", a.resumes, b.resumes)
	}
	if d := a.resumes - b.resumes; d > 1 || d < -1 {
		t.Fatalf("resumes should alternate, got %d and %d", a.resumes, b.resumes)
	}
}

func TestFailedJobIsReportedOnce(t *testing.T) {
	x := New(nil)
	boom := errors.New("bad catalog")
	x.Spawn(&countJob{name: "broken", fail: boom})
	x.Spawn(&countJob{name: "fine", n: 3})

	results := x.Run(time.Second)
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	for _, r := range results {
		switch r.Name {
		case "broken":
			if !errors.Is(r.Err, boom) {
				t.Fatalf("expected job error, got %v", r.Err)
			}
			if _, err := Value[int](r); !errors.Is(err, boom) {
				t.Fatalf("Value should surface the job error")
			}
		case "fine":
			if v, _ := Value[int](r); v != 6 {
				t.Fatalf("expected 6, got %v", r.Value)
			}
		}
	}
	if x.Pending() != 0 || len(x.Run(time.Second)) != 0 {
		t.Fatalf("failed jobs must not be retried")
	}
}

func TestValueTypeMismatch(t *testing.T) {
	if _, err := Value[string](Result{Name: "n", Value: 3}); err == nil {
		t.Fatalf("expected a type error")
	}
}

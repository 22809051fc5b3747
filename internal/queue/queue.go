// Package queue holds pending tile requests ordered by priority class, with
// at most one live request per tile identity.
package queue

import (
	"container/list"
	"fmt"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/hips"
)

// Class is the priority class of a request. Lower values are served first.
type Class uint8

const (
	ClassBase Class = iota
	ClassVisible
	ClassAncestor
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassBase:
		return "base"
	case ClassVisible:
		return "visible"
	case ClassAncestor:
		return "ancestor"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Request is a pending or in-flight tile fetch.
type Request struct {
	ID      hips.Identity
	Class   Class
	Layer   string
	Created time.Time
	// NotBefore delays a retried or deferred request.
	NotBefore time.Time
}

// Queue is not safe for concurrent use; it belongs to the engine's control goroutine.
type Queue struct {
	classes  [numClasses]*list.List
	pending  map[hips.Identity]*list.Element
	inFlight map[hips.Identity]Request
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		pending:  make(map[hips.Identity]*list.Element),
		inFlight: make(map[hips.Identity]Request),
	}
	for i := range q.classes {
		q.classes[i] = list.New()
	}
	return q
}

// Enqueue adds r unless a request with the same identity is pending or in
// flight. A pending request of a lower class is promoted to r's class instead.
// It reports whether the queue changed.
func (q *Queue) Enqueue(r Request) bool {
	if _, ok := q.inFlight[r.ID]; ok {
		return false
	}
	if el, ok := q.pending[r.ID]; ok {
		cur := el.Value.(Request)
		if r.Class >= cur.Class {
			return false
		}
		q.classes[cur.Class].Remove(el)
		cur.Class = r.Class
		cur.Layer = r.Layer
		q.pending[r.ID] = q.classes[cur.Class].PushBack(cur)
		return true
	}
	q.pending[r.ID] = q.classes[r.Class].PushBack(r)
	return true
}

// Next returns the oldest ready request of the highest-priority class without removing it.
func (q *Queue) Next(now time.Time) (Request, bool) {
	for _, l := range q.classes {
		for el := l.Front(); el != nil; el = el.Next() {
			r := el.Value.(Request)
			if r.NotBefore.After(now) {
				continue
			}
			return r, true
		}
	}
	return Request{}, false
}

// MarkInFlight moves a pending request to the in-flight set.
func (q *Queue) MarkInFlight(id hips.Identity) (Request, bool) {
	el, ok := q.pending[id]
	if !ok {
		return Request{}, false
	}
	r := q.remove(el)
	q.inFlight[id] = r
	return r, true
}

// Complete releases an in-flight request.
func (q *Queue) Complete(id hips.Identity) (Request, bool) {
	r, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	return r, ok
}

// Clear drops pending visible and ancestor requests. Base requests and
// in-flight requests are kept. It returns the number of dropped requests.
func (q *Queue) Clear() int {
	n := 0
	for _, c := range []Class{ClassVisible, ClassAncestor} {
		l := q.classes[c]
		for el := l.Front(); el != nil; {
			next := el.Next()
			q.remove(el)
			n++
			el = next
		}
	}
	return n
}

// DropLayer removes every pending request of a layer.
func (q *Queue) DropLayer(layer string) int {
	n := 0
	for _, l := range q.classes {
		for el := l.Front(); el != nil; {
			next := el.Next()
			if el.Value.(Request).Layer == layer {
				q.remove(el)
				n++
			}
			el = next
		}
	}
	return n
}

func (q *Queue) remove(el *list.Element) Request {
	r := el.Value.(Request)
	q.classes[r.Class].Remove(el)
	delete(q.pending, r.ID)
	return r
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.pending)
}

// LenClass returns the number of pending requests of one class.
func (q *Queue) LenClass(c Class) int {
	return q.classes[c].Len()
}

// InFlight returns the number of in-flight requests.
func (q *Queue) InFlight() int {
	return len(q.inFlight)
}

// IsPending reports whether id waits in the queue.
func (q *Queue) IsPending(id hips.Identity) bool {
	_, ok := q.pending[id]
	return ok
}

// IsInFlight reports whether id is owned by a worker.
func (q *Queue) IsInFlight(id hips.Identity) bool {
	_, ok := q.inFlight[id]
	return ok
}

// Pending returns the class of a pending request.
func (q *Queue) Pending(id hips.Identity) (Class, bool) {
	el, ok := q.pending[id]
	if !ok {
		return 0, false
	}
	return el.Value.(Request).Class, true
}

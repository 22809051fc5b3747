package queue

import (
	"testing"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
)

var testSource = hips.Source{RootURL: "http://example.org/hips", Format: decode.FormatJPEG, TileSize: 512}

func req(depth int, index uint64, class Class) Request {
	return Request{
		ID:    hips.Identity{Cell: healpix.Cell{Depth: uint8(depth), Index: index}, Source: testSource},
		Class: class,
		Layer: "dss",
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := New()
	r := req(3, 42, ClassVisible)
	if !q.Enqueue(r) {
		t.Fatalf("first enqueue should change the queue")
	}
	if q.Enqueue(r) {
		t.Fatalf("second enqueue of the same identity should be a no-op")
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue length 1, got %d", q.Len())
	}

	q.MarkInFlight(r.ID)
	if q.Enqueue(r) {
		t.Fatalf("enqueue of an in-flight identity should be a no-op")
	}
	if q.Len()+q.InFlight() != 1 {
		t.Fatalf("expected one live request, got %d pending and %d in flight", q.Len(), q.InFlight())
	}

	other := r
	other.ID.Source.RootURL = "http://mirror.example.org/hips"
	if !q.Enqueue(other) {
		t.Fatalf("same cell from another source is a distinct identity")
	}
}

func TestAncestorPromotedByVisibleRequest(t *testing.T) {
	q := New()
	q.Enqueue(req(4, 1, ClassVisible))
	q.Enqueue(req(1, 0, ClassAncestor))

	if !q.Enqueue(req(1, 0, ClassVisible)) {
		t.Fatalf("visible request should promote the pending ancestor")
	}
	if q.Len() != 2 {
		t.Fatalf("promotion must not duplicate, got %d pending", q.Len())
	}
	if c, _ := q.Pending(req(1, 0, ClassVisible).ID); c != ClassVisible {
		t.Fatalf("expected promoted class visible, got %v", c)
	}
	if q.Enqueue(req(1, 0, ClassAncestor)) {
		t.Fatalf("a lower class never demotes a pending request")
	}
}

func TestNextOrdering(t *testing.T) {
	q := New()
	q.Enqueue(req(6, 10, ClassAncestor))
	q.Enqueue(req(9, 2, ClassVisible))
	q.Enqueue(req(9, 1, ClassVisible))
	q.Enqueue(req(0, 5, ClassBase))

	now := time.Now()
	var got []uint64
	for q.Len() > 0 {
		r, ok := q.Next(now)
		if !ok {
			t.Fatalf("expected a ready request")
		}
		q.MarkInFlight(r.ID)
		got = append(got, r.ID.Cell.Index)
	}
	want := []uint64{5, 2, 1, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if q.InFlight() != 4 {
		t.Fatalf("expected 4 in flight, got %d", q.InFlight())
	}
}

func TestNextSkipsDelayedRequests(t *testing.T) {
	q := New()
	now := time.Now()
	delayed := req(3, 1, ClassBase)
	delayed.NotBefore = now.Add(time.Second)
	q.Enqueue(delayed)
	q.Enqueue(req(3, 2, ClassVisible))

	r, ok := q.Next(now)
	if !ok || r.ID.Cell.Index != 2 {
		t.Fatalf("expected the ready visible request, got %v (%v)", r.ID.Cell, ok)
	}
	r, ok = q.Next(now.Add(2 * time.Second))
	if !ok || r.ID.Cell.Index != 1 {
		t.Fatalf("expected the base request once due, got %v", r.ID.Cell)
	}
}

func TestClearKeepsBaseAndInFlight(t *testing.T) {
	q := New()
	q.Enqueue(req(0, 1, ClassBase))
	q.Enqueue(req(5, 1, ClassVisible))
	q.Enqueue(req(5, 2, ClassVisible))
	q.Enqueue(req(2, 0, ClassAncestor))
	q.MarkInFlight(req(5, 2, ClassVisible).ID)

	if n := q.Clear(); n != 2 {
		t.Fatalf("expected 2 dropped, got %d", n)
	}
	if q.Len() != 1 || q.LenClass(ClassBase) != 1 {
		t.Fatalf("base request should survive Clear")
	}
	if !q.IsInFlight(req(5, 2, ClassVisible).ID) {
		t.Fatalf("in-flight request should survive Clear")
	}
	if _, ok := q.Complete(req(5, 2, ClassVisible).ID); !ok {
		t.Fatalf("Complete should release the in-flight request")
	}
	if q.InFlight() != 0 {
		t.Fatalf("expected nothing in flight")
	}
}

func TestDropLayer(t *testing.T) {
	q := New()
	q.Enqueue(req(0, 1, ClassBase))
	other := req(0, 2, ClassBase)
	other.Layer = "2mass"
	q.Enqueue(other)

	if n := q.DropLayer("dss"); n != 1 {
		t.Fatalf("expected 1 dropped, got %d", n)
	}
	if !q.IsPending(other.ID) {
		t.Fatalf("other layer's request should remain")
	}
}

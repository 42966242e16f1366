package ingest

import (
	"testing"
	"time"

	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *store.Store, model.ResourceID) {
	t.Helper()
	s := store.New(nil)
	var rid model.ResourceID
	rid[0] = 7
	p := New(s, opts)
	p.InsertResource(rid, 0, map[string]value.Value{"service": value.String("api")})
	return p, s, rid
}

func TestInsertSpanNoParent(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{})
	id, err := p.InsertSpan(SpanFields{Resource: rid, CreatedAt: 10, Level: model.LevelInfo, Target: "app", Name: "root"})
	if err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	sp, ok := s.GetSpan(id)
	if !ok {
		t.Fatal("span not committed to store")
	}
	if sp.ParentID != nil {
		t.Fatal("expected nil parent")
	}
	if v, ok := sp.Inherited["service"]; !ok || !value.Eq(v, value.String("api")) {
		t.Fatalf("expected inherited service=api, got %+v", sp.Inherited)
	}
}

func TestInsertEventResolvedParent(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{})
	parentID, err := p.InsertSpan(SpanFields{Resource: rid, CreatedAt: 10, Level: model.LevelInfo, Target: "app", Name: "root",
		Attributes: map[string]value.Value{"req.id": value.String("abc")}})
	if err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	local := parentID.Local
	evID, err := p.InsertEvent(EventFields{Resource: rid, LocalParentID: &local, Timestamp: 15, Level: model.LevelDebug, Target: "app", Name: "evt"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	ev, ok := s.GetEvent(evID)
	if !ok {
		t.Fatal("event not committed")
	}
	if ev.ParentID == nil || *ev.ParentID != parentID {
		t.Fatalf("expected parent %v, got %v", parentID, ev.ParentID)
	}
	if v, ok := ev.Inherited["req.id"]; !ok || !value.Eq(v, value.String("abc")) {
		t.Fatalf("expected inherited req.id=abc, got %+v", ev.Inherited)
	}
}

func TestInsertEventBufferedUntilParentArrives(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{})
	futureLocal := uint64(1) // parent span not yet inserted; will become local id 1
	evID, err := p.InsertEvent(EventFields{Resource: rid, LocalParentID: &futureLocal, Timestamp: 20, Level: model.LevelInfo, Target: "app", Name: "evt"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if _, ok := s.GetEvent(evID); ok {
		t.Fatal("event should not be committed before parent arrives")
	}
	parentID, err := p.InsertSpan(SpanFields{Resource: rid, CreatedAt: 5, Level: model.LevelInfo, Target: "app", Name: "root"})
	if err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	if parentID.Local != futureLocal {
		t.Fatalf("expected parent local id %d, got %d", futureLocal, parentID.Local)
	}
	ev, ok := s.GetEvent(evID)
	if !ok {
		t.Fatal("expected event flushed once parent arrived")
	}
	if ev.ParentID == nil || *ev.ParentID != parentID {
		t.Fatalf("expected resolved parent, got %v", ev.ParentID)
	}
}

func TestInsertSpanCascadesThroughMultiLevelBuffering(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{})

	// Local ids are assigned sequentially as each span arrives: the
	// grandchild arrives first (local 1), then the child (local 2), then
	// the grandparent (local 3) - so the grandchild's and child's parent
	// pointers name ids that don't exist yet.
	childFutureLocal := uint64(2)
	grandparentFutureLocal := uint64(3)

	grandchildID, err := p.InsertSpan(SpanFields{Resource: rid, LocalParentID: &childFutureLocal, CreatedAt: 30, Level: model.LevelInfo, Target: "app", Name: "grandchild"})
	if err != nil {
		t.Fatalf("InsertSpan grandchild: %v", err)
	}
	childID, err := p.InsertSpan(SpanFields{Resource: rid, LocalParentID: &grandparentFutureLocal, CreatedAt: 20, Level: model.LevelInfo, Target: "app", Name: "child"})
	if err != nil {
		t.Fatalf("InsertSpan child: %v", err)
	}
	if childID.Local != childFutureLocal {
		t.Fatalf("expected child assigned local id %d, got %d", childFutureLocal, childID.Local)
	}
	if _, ok := s.GetSpan(childID); ok {
		t.Fatal("child should still be buffered on the grandparent")
	}
	if _, ok := s.GetSpan(grandchildID); ok {
		t.Fatal("grandchild should still be buffered on the child")
	}

	grandparentID, err := p.InsertSpan(SpanFields{Resource: rid, CreatedAt: 10, Level: model.LevelInfo, Target: "app", Name: "grandparent"})
	if err != nil {
		t.Fatalf("InsertSpan grandparent: %v", err)
	}
	if grandparentID.Local != grandparentFutureLocal {
		t.Fatalf("expected grandparent assigned local id %d, got %d", grandparentFutureLocal, grandparentID.Local)
	}

	child, ok := s.GetSpan(childID)
	if !ok {
		t.Fatal("expected child flushed once the grandparent arrived")
	}
	if child.ParentID == nil || *child.ParentID != grandparentID {
		t.Fatalf("expected child's parent resolved to grandparent, got %v", child.ParentID)
	}

	grandchild, ok := s.GetSpan(grandchildID)
	if !ok {
		t.Fatal("expected grandchild to cascade-flush once its own parent (child) was committed by the grandparent's arrival")
	}
	if grandchild.ParentID == nil || *grandchild.ParentID != childID {
		t.Fatalf("expected grandchild's parent resolved to child, got %v", grandchild.ParentID)
	}
}

func TestPendingBufferOverflowOrphans(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{MaxPending: 1})
	unresolved1 := uint64(99)
	unresolved2 := uint64(100)
	firstID, err := p.InsertEvent(EventFields{Resource: rid, LocalParentID: &unresolved1, Timestamp: 1, Level: model.LevelInfo, Target: "app", Name: "e1"})
	if err != nil {
		t.Fatalf("InsertEvent 1: %v", err)
	}
	_, err = p.InsertEvent(EventFields{Resource: rid, LocalParentID: &unresolved2, Timestamp: 2, Level: model.LevelInfo, Target: "app", Name: "e2"})
	if err != nil {
		t.Fatalf("InsertEvent 2: %v", err)
	}
	ev, ok := s.GetEvent(firstID)
	if !ok {
		t.Fatal("expected first event force-inserted as orphan once buffer exceeded MaxPending")
	}
	if ev.ParentID != nil {
		t.Fatal("expected orphaned event to have nil parent")
	}
	if v, ok := ev.Attributes[orphanAttribute]; !ok || !value.Eq(v, value.Bool(true)) {
		t.Fatalf("expected venator.orphan=true, got %+v", ev.Attributes)
	}
}

func TestPendingBufferAgeOverflow(t *testing.T) {
	p, s, rid := newTestPipeline(t, Options{MaxPending: 100, MaxAge: time.Nanosecond})
	unresolved := uint64(5)
	id, err := p.InsertEvent(EventFields{Resource: rid, LocalParentID: &unresolved, Timestamp: 1, Level: model.LevelInfo, Target: "app", Name: "e"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	time.Sleep(time.Millisecond)
	// A second insert triggers enforceBounds' age check for the first.
	other := uint64(6)
	if _, err := p.InsertEvent(EventFields{Resource: rid, LocalParentID: &other, Timestamp: 2, Level: model.LevelInfo, Target: "app", Name: "e2"}); err != nil {
		t.Fatalf("InsertEvent 2: %v", err)
	}
	if _, ok := s.GetEvent(id); !ok {
		t.Fatal("expected aged-out event force-inserted as orphan")
	}
}

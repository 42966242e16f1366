// Package store implements the engine's authoritative record storage: the
// Store owns every Resource, Span, and Event, and the indices that
// accelerate queries (§4.5, §5). The record maps are guarded by mu; the
// indices are updated after mu is released, and the Store relies on a
// single writer to keep them consistent.
package store

import (
	"errors"
	"fmt"
	"sync"

	"venator/internal/index"
	"venator/internal/model"
	"venator/internal/value"
)

var (
	ErrUnknownSpan     = errors.New("unknown-span")
	ErrUnknownResource = errors.New("unknown-resource")
	ErrResourceFrozen  = errors.New("resource-frozen")
)

// Mutation describes one committed change, delivered to persistence and
// live-subscription observers after the Store applies it.
type Mutation struct {
	Kind     MutationKind
	Resource *model.Resource
	Span     *model.Span
	Event    *model.Event
}

type MutationKind int

const (
	MutationResourceInserted MutationKind = iota
	MutationResourceUpdated
	MutationResourceDisconnected
	MutationSpanInserted
	MutationSpanClosed
	MutationEventInserted
)

// Observer receives every committed mutation, in commit order. Called
// synchronously by the writer; observers that need to do I/O should queue
// the mutation and return quickly (see internal/persist).
type Observer func(Mutation)

// Store is the single source of truth. Only the ingestion writer mutates
// it; queries only ever read.
type Store struct {
	mu sync.RWMutex // guards the maps below; indices are independently lock-free for readers

	resources map[model.ResourceID]*model.Resource
	spans     map[model.SpanID]*model.Span
	events    map[model.EventID]*model.Event

	// maxSpanLocal tracks the highest span local id seen per resource, so a
	// pipeline rebuilt after a replay can resume local-id assignment above
	// whatever the backend already persisted (§4.8 "startup replay").
	maxSpanLocal map[model.ResourceID]uint64

	eventIdx index.Set
	spanIdx  index.Set
	open     *index.OpenSpans

	observers []Observer
}

func New(indexedAttrs []string) *Store {
	return &Store{
		resources:    map[model.ResourceID]*model.Resource{},
		spans:        map[model.SpanID]*model.Span{},
		events:       map[model.EventID]*model.Event{},
		maxSpanLocal: map[model.ResourceID]uint64{},
		eventIdx:     *index.NewSet(indexedAttrs),
		spanIdx:      *index.NewSet(indexedAttrs),
		open:         index.NewOpenSpans(),
	}
}

func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Store) notify(m Mutation) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o(m)
	}
}

func (s *Store) EventIndices() *index.Set { return &s.eventIdx }
func (s *Store) SpanIndices() *index.Set  { return &s.spanIdx }
func (s *Store) OpenSpans() *index.OpenSpans { return s.open }

// MaxSpanLocals returns the highest span local id observed per resource, a
// snapshot fit for seeding a freshly constructed ingest.Pipeline after
// replay reconstructs the Store's state from a durable backend.
func (s *Store) MaxSpanLocals() map[model.ResourceID]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.ResourceID]uint64, len(s.maxSpanLocal))
	for k, v := range s.maxSpanLocal {
		out[k] = v
	}
	return out
}

// InsertResource adds a newly connected resource.
func (s *Store) InsertResource(r *model.Resource) {
	s.mu.Lock()
	s.resources[r.ID] = r
	s.mu.Unlock()
	s.notify(Mutation{Kind: MutationResourceInserted, Resource: r})
}

// UpdateResourceAttributes is only legal before any span/event has been
// recorded against the resource.
func (s *Store) UpdateResourceAttributes(id model.ResourceID, attrs map[string]value.Value) error {
	s.mu.Lock()
	r, ok := s.resources[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	if r.Frozen() {
		return fmt.Errorf("%w: %s", ErrResourceFrozen, id)
	}
	for k, v := range attrs {
		r.Attributes[k] = v
	}
	s.notify(Mutation{Kind: MutationResourceUpdated, Resource: r})
	return nil
}

func (s *Store) DisconnectResource(id model.ResourceID, at uint64) error {
	s.mu.Lock()
	r, ok := s.resources[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	r.Disconnect(at)
	s.notify(Mutation{Kind: MutationResourceDisconnected, Resource: r})
	return nil
}

func (s *Store) GetResource(id model.ResourceID) (*model.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	return r, ok
}

// InsertSpanOpen appends a span with closed_at unset, updates the
// timestamp/level/parent/attribute indices on created_at, and adds it to
// the open-span table.
func (s *Store) InsertSpanOpen(sp *model.Span) error {
	s.mu.Lock()
	r, ok := s.resources[sp.ID.Resource]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownResource, sp.ID.Resource)
	}
	if sp.ParentID != nil {
		if _, ok := s.spans[*sp.ParentID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: parent %s", ErrUnknownSpan, *sp.ParentID)
		}
	}
	s.spans[sp.ID] = sp
	if sp.ID.Local > s.maxSpanLocal[sp.ID.Resource] {
		s.maxSpanLocal[sp.ID.Resource] = sp.ID.Local
	}
	s.mu.Unlock()

	r.MarkHasRecords()
	s.open.Add(sp)
	s.indexSpan(sp)
	s.notify(Mutation{Kind: MutationSpanInserted, Span: sp})
	return nil
}

func (s *Store) indexSpan(sp *model.Span) {
	s.spanIdx.Timestamp.Insert(sp.CreatedAt, sp.ID)
	s.spanIdx.Levels.Insert(sp.Level, sp.CreatedAt, sp.ID)
	if sp.ParentID != nil {
		s.spanIdx.Parent.Insert(*sp.ParentID, sp.CreatedAt, sp.ID)
	}
	for name, v := range sp.Attributes {
		s.spanIdx.Attrs.Insert(name, value.SortKey(v), sp.CreatedAt, sp.ID)
	}
}

// CloseSpan sets closed_at, removes the span from the open-span table, and
// records it in the closed-span secondary timestamp index.
func (s *Store) CloseSpan(resourceID model.ResourceID, local uint64, closedAt uint64) error {
	id := model.SpanID{Resource: resourceID, Local: local}
	sp, ok := s.open.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSpan, id)
	}
	sp.Close(closedAt)
	s.open.Remove(id)
	s.spanIdx.ClosedAt.Insert(closedAt, id)
	s.notify(Mutation{Kind: MutationSpanClosed, Span: sp})
	return nil
}

func (s *Store) GetSpan(id model.SpanID) (*model.Span, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spans[id]
	return sp, ok
}

// InsertEvent appends an immutable event and updates all indices.
func (s *Store) InsertEvent(e *model.Event) error {
	s.mu.Lock()
	r, ok := s.resources[e.ID.Resource]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownResource, e.ID.Resource)
	}
	if e.ParentID != nil {
		if _, ok := s.spans[*e.ParentID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: parent %s", ErrUnknownSpan, *e.ParentID)
		}
	}
	if _, exists := s.events[e.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("event id collision: %s", e.ID)
	}
	s.events[e.ID] = e
	s.mu.Unlock()

	r.MarkHasRecords()
	s.eventIdx.Timestamp.Insert(e.Timestamp, e.ID)
	s.eventIdx.Levels.Insert(e.Level, e.Timestamp, e.ID)
	if e.ParentID != nil {
		s.eventIdx.Parent.Insert(*e.ParentID, e.Timestamp, e.ID)
	}
	for name, v := range e.Attributes {
		s.eventIdx.Attrs.Insert(name, value.SortKey(v), e.Timestamp, e.ID)
	}
	s.notify(Mutation{Kind: MutationEventInserted, Event: e})
	return nil
}

func (s *Store) GetEvent(id model.EventID) (*model.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

// HasEventTimestamp reports whether an event already occupies (resource,
// timestamp), used by Ingestion to uniquify colliding timestamps.
func (s *Store) HasEventTimestamp(resource model.ResourceID, ts uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[model.EventID{Resource: resource, Timestamp: ts}]
	return ok
}

type Stats struct {
	EventCount     int
	SpanCount      int
	OpenSpanCount  int
	ResourceCount  int
	DegradedMode   bool
	BytesOnDisk    int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		EventCount:    len(s.events),
		SpanCount:     len(s.spans),
		OpenSpanCount: len(s.open.Snapshot()),
		ResourceCount: len(s.resources),
	}
}

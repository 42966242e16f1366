// Package model defines the telemetry data model shared by every engine
// component: resources, spans, events, and the identifiers that link them.
package model

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"venator/internal/value"
)

// Level is the severity of a span or event, matching the tracing crate's
// five-level scheme.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses one of the five level names. It returns false for
// anything else.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "TRACE":
		return LevelTrace, true
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	default:
		return 0, false
	}
}

// ResourceID is the 128-bit identifier assigned to a connected instance.
type ResourceID [16]byte

func (id ResourceID) String() string {
	return fmt.Sprintf("%x", [16]byte(id))
}

func (id ResourceID) IsZero() bool {
	return id == ResourceID{}
}

// RecordID is the total order every index sorts against. SpanID and EventID
// both implement it so a single index implementation can hold either.
type RecordID interface {
	Less(other RecordID) bool
	String() string
}

// SpanID globally identifies a span as (resource, locally-assigned id).
type SpanID struct {
	Resource ResourceID
	Local    uint64
}

func (id SpanID) Less(other RecordID) bool {
	o, ok := other.(SpanID)
	if !ok {
		return fmt.Sprintf("%T", id) < fmt.Sprintf("%T", other)
	}
	if cmp := bytes.Compare(id.Resource[:], o.Resource[:]); cmp != 0 {
		return cmp < 0
	}
	return id.Local < o.Local
}

func (id SpanID) String() string {
	return fmt.Sprintf("%s-%d", id.Resource, id.Local)
}

func (id SpanID) IsZero() bool {
	return id.Resource.IsZero() && id.Local == 0
}

// EventID globally identifies an event as (resource, timestamp). Ingestion
// bumps the timestamp by 1ns on collision within a resource to keep it
// unique, per spec.
type EventID struct {
	Resource  ResourceID
	Timestamp uint64
}

func (id EventID) Less(other RecordID) bool {
	o, ok := other.(EventID)
	if !ok {
		return fmt.Sprintf("%T", id) < fmt.Sprintf("%T", other)
	}
	if id.Timestamp != o.Timestamp {
		return id.Timestamp < o.Timestamp
	}
	return bytes.Compare(id.Resource[:], o.Resource[:]) < 0
}

func (id EventID) String() string {
	return fmt.Sprintf("%s-%d", id.Resource, id.Timestamp)
}

// Resource is an instrumented process instance.
type Resource struct {
	ID             ResourceID
	ConnectedAt    uint64
	disconnectedAt atomic.Uint64 // 0 means "still connected"
	Attributes     map[string]value.Value

	// hasRecords is set true the first time a span or event is recorded
	// against this resource. Once true, UpdateResourceAttributes fails
	// with ErrResourceFrozen.
	hasRecords atomic.Bool
}

func NewResource(id ResourceID, connectedAt uint64, attrs map[string]value.Value) *Resource {
	if attrs == nil {
		attrs = map[string]value.Value{}
	}
	return &Resource{ID: id, ConnectedAt: connectedAt, Attributes: attrs}
}

func (r *Resource) DisconnectedAt() (uint64, bool) {
	at := r.disconnectedAt.Load()
	if at == 0 {
		return 0, false
	}
	return at, true
}

func (r *Resource) Disconnect(at uint64) {
	if at == 0 {
		at = 1
	}
	r.disconnectedAt.Store(at)
}

func (r *Resource) Connected() bool {
	_, disconnected := r.DisconnectedAt()
	return !disconnected
}

func (r *Resource) MarkHasRecords() {
	r.hasRecords.Store(true)
}

func (r *Resource) Frozen() bool {
	return r.hasRecords.Load()
}

// Span is a time-bounded operation.
type Span struct {
	ID         SpanID
	ParentID   *SpanID
	CreatedAt  uint64
	closedAt   atomic.Uint64 // 0 means open
	Level      Level
	Target     string
	Name       string
	File       *string
	Line       *uint32
	Attributes map[string]value.Value
	Inherited  map[string]value.Value
}

func (s *Span) ClosedAt() (uint64, bool) {
	at := s.closedAt.Load()
	if at == 0 {
		return 0, false
	}
	return at, true
}

func (s *Span) Close(at uint64) {
	if at == 0 {
		at = 1
	}
	s.closedAt.Store(at)
}

func (s *Span) Open() bool {
	_, closed := s.ClosedAt()
	return !closed
}

func (s *Span) Duration() (uint64, bool) {
	closedAt, ok := s.ClosedAt()
	if !ok {
		return 0, false
	}
	return closedAt - s.CreatedAt, true
}

// Event is a discrete, immutable log-like record.
type Event struct {
	ID         EventID
	ParentID   *SpanID
	Timestamp  uint64
	Level      Level
	Target     string
	Name       string
	File       *string
	Line       *uint32
	Attributes map[string]value.Value
	Inherited  map[string]value.Value
}

// Record is the common view the filter evaluator and query engine operate
// over; *Span and *Event both implement it. Accessors are prefixed with
// Rec to avoid colliding with the identically-named exported fields.
type Record interface {
	RecID() RecordID
	RecResourceID() ResourceID
	RecSortKey() uint64 // created_at for spans, timestamp for events
	RecLevel() Level
	RecTarget() string
	RecName() string
	RecParentID() (SpanID, bool)
	RecFile() (string, bool)
	RecLine() (uint32, bool)
	RecStack() (string, bool)
	RecDuration() (uint64, bool)
	RecAttributes() map[string]value.Value
	RecInherited() map[string]value.Value
}

func (s *Span) RecID() RecordID         { return s.ID }
func (s *Span) RecResourceID() ResourceID { return s.ID.Resource }
func (s *Span) RecSortKey() uint64      { return s.CreatedAt }
func (s *Span) RecLevel() Level         { return s.Level }
func (s *Span) RecTarget() string       { return s.Target }
func (s *Span) RecName() string         { return s.Name }
func (s *Span) RecParentID() (SpanID, bool) { return derefSpanID(s.ParentID) }
func (s *Span) RecFile() (string, bool) {
	if s.File == nil {
		return "", false
	}
	return *s.File, true
}
func (s *Span) RecLine() (uint32, bool) {
	if s.Line == nil {
		return 0, false
	}
	return *s.Line, true
}
func (s *Span) RecStack() (string, bool)              { return stackOf(s.File, s.Line) }
func (s *Span) RecDuration() (uint64, bool)           { return s.Duration() }
func (s *Span) RecAttributes() map[string]value.Value { return s.Attributes }
func (s *Span) RecInherited() map[string]value.Value  { return s.Inherited }

func (e *Event) RecID() RecordID           { return e.ID }
func (e *Event) RecResourceID() ResourceID { return e.ID.Resource }
func (e *Event) RecSortKey() uint64        { return e.Timestamp }
func (e *Event) RecLevel() Level           { return e.Level }
func (e *Event) RecTarget() string         { return e.Target }
func (e *Event) RecName() string           { return e.Name }
func (e *Event) RecParentID() (SpanID, bool) { return derefSpanID(e.ParentID) }
func (e *Event) RecFile() (string, bool) {
	if e.File == nil {
		return "", false
	}
	return *e.File, true
}
func (e *Event) RecLine() (uint32, bool) {
	if e.Line == nil {
		return 0, false
	}
	return *e.Line, true
}
func (e *Event) RecStack() (string, bool)              { return stackOf(e.File, e.Line) }
func (e *Event) RecDuration() (uint64, bool)           { return 0, false }
func (e *Event) RecAttributes() map[string]value.Value { return e.Attributes }
func (e *Event) RecInherited() map[string]value.Value  { return e.Inherited }

func derefSpanID(id *SpanID) (SpanID, bool) {
	if id == nil {
		return SpanID{}, false
	}
	return *id, true
}

var (
	_ Record = (*Span)(nil)
	_ Record = (*Event)(nil)
)

func stackOf(file *string, line *uint32) (string, bool) {
	if file == nil {
		return "", false
	}
	if line == nil {
		return *file, true
	}
	return fmt.Sprintf("%s:%d", *file, *line), true
}

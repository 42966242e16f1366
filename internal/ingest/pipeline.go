// Package ingest is the engine's sole writer: it assigns identifiers,
// resolves parent/child span relationships (buffering children that
// arrive before their parent), computes the inherited-attribute snapshot,
// and hands committed records off to the Store (§4.7).
package ingest

import (
	"sync"
	"time"

	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

const orphanAttribute = "venator.orphan"

// SpanFields is the caller-supplied shape for a new open span.
type SpanFields struct {
	Resource      model.ResourceID
	LocalParentID *uint64 // resolved against the open-span table
	CreatedAt     uint64
	Level         model.Level
	Target        string
	Name          string
	File          *string
	Line          *uint32
	Attributes    map[string]value.Value
}

// EventFields is the caller-supplied shape for a new event.
type EventFields struct {
	Resource      model.ResourceID
	LocalParentID *uint64
	Timestamp     uint64
	Level         model.Level
	Target        string
	Name          string
	File          *string
	Line          *uint32
	Attributes    map[string]value.Value
}

type pendingKey struct {
	Resource model.ResourceID
	Local    uint64
}

type pendingKind int

const (
	pendingSpan pendingKind = iota
	pendingEvent
)

// pendingEntry holds one record whose parent hasn't arrived yet, and the
// closure that finishes committing it once the parent resolves (or the
// buffer forces an orphan insert).
type pendingEntry struct {
	kind      pendingKind
	key       pendingKey
	arrivedAt time.Time
	// finish commits the buffered record; orphan is true only when the
	// buffer forced eviction before a real parent arrived, in which case
	// finish stamps the synthetic orphan attribute (§4.7).
	finish func(parentID *model.SpanID, orphan bool) error
}

// Options bounds the pending-parent buffer (§4.7 "Pending-buffer policy").
type Options struct {
	MaxPending int
	MaxAge     time.Duration
}

func defaultOptions(o Options) Options {
	if o.MaxPending <= 0 {
		o.MaxPending = 4096
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Second
	}
	return o
}

// Pipeline is the engine's single logical writer (§5). All exported
// methods must be called from one goroutine at a time; nothing here is
// safe for concurrent callers, by design - concurrency is the Store's
// concern for readers, not the writer's.
type Pipeline struct {
	mu      sync.Mutex
	store   *store.Store
	opts    Options
	locals  map[model.ResourceID]uint64
	pending map[pendingKey][]*pendingEntry
	order   []*pendingEntry
}

func New(s *store.Store, opts Options) *Pipeline {
	return &Pipeline{
		store:   s,
		opts:    defaultOptions(opts),
		locals:  map[model.ResourceID]uint64{},
		pending: map[pendingKey][]*pendingEntry{},
	}
}

func (p *Pipeline) nextLocalID(resource model.ResourceID) uint64 {
	p.locals[resource]++
	return p.locals[resource]
}

// SeedLocals primes the per-resource local-id counter from already-durable
// state (§4.8 "startup replay"): after a restart, the next span assigned to
// a previously-seen resource must continue past whatever the backend
// already persisted, not restart at 1 and collide with it. Only ever
// called once, synchronously, between Open's replay step and the first
// caller-visible InsertSpan.
func (p *Pipeline) SeedLocals(maxByResource map[model.ResourceID]uint64) {
	for resource, max := range maxByResource {
		if max > p.locals[resource] {
			p.locals[resource] = max
		}
	}
}

// InsertResource registers a newly connected instance.
func (p *Pipeline) InsertResource(id model.ResourceID, connectedAt uint64, attrs map[string]value.Value) {
	p.store.InsertResource(model.NewResource(id, connectedAt, attrs))
}

func (p *Pipeline) UpdateResourceAttributes(id model.ResourceID, attrs map[string]value.Value) error {
	return p.store.UpdateResourceAttributes(id, attrs)
}

func (p *Pipeline) DisconnectResource(id model.ResourceID, at uint64) error {
	return p.store.DisconnectResource(id, at)
}

// InsertSpan assigns a local id, resolves the parent (buffering if it
// hasn't arrived yet), computes the inherited snapshot, and commits the
// open span to the Store.
func (p *Pipeline) InsertSpan(f SpanFields) (model.SpanID, error) {
	local := p.nextLocalID(f.Resource)
	id := model.SpanID{Resource: f.Resource, Local: local}

	commit := func(parentID *model.SpanID, orphan bool) error {
		attrs := cloneAttrs(f.Attributes)
		if orphan {
			attrs[orphanAttribute] = value.Bool(true)
		}
		sp := &model.Span{
			ID:         id,
			ParentID:   parentID,
			CreatedAt:  f.CreatedAt,
			Level:      f.Level,
			Target:     f.Target,
			Name:       f.Name,
			File:       f.File,
			Line:       f.Line,
			Attributes: attrs,
			Inherited:  p.computeInherited(f.Resource, parentID),
		}
		if err := p.store.InsertSpanOpen(sp); err != nil {
			return err
		}
		// This span may itself be the parent other buffered entries are
		// waiting on, however it was committed - directly here, or later
		// via someone else's flushPending releasing it - so a multi-level
		// out-of-order chain cascades all the way down on arrival (§4.7).
		p.flushPending(id)
		return nil
	}

	parentID, resolved := p.resolveParent(f.Resource, f.LocalParentID)
	if resolved || f.LocalParentID == nil {
		if err := commit(parentID, false); err != nil {
			return model.SpanID{}, err
		}
		return id, nil
	}
	p.buffer(pendingKey{Resource: f.Resource, Local: *f.LocalParentID}, pendingEntry{
		kind:      pendingSpan,
		arrivedAt: time.Now(),
		finish:    commit,
	})
	return id, nil
}

func (p *Pipeline) CloseSpan(resource model.ResourceID, local uint64, closedAt uint64) error {
	return p.store.CloseSpan(resource, local, closedAt)
}

// InsertEvent uniquifies the timestamp on collision, resolves the parent
// exactly as InsertSpan does, and commits.
func (p *Pipeline) InsertEvent(f EventFields) (model.EventID, error) {
	ts := f.Timestamp
	for p.store.HasEventTimestamp(f.Resource, ts) {
		ts++
	}
	id := model.EventID{Resource: f.Resource, Timestamp: ts}

	commit := func(parentID *model.SpanID, orphan bool) error {
		attrs := cloneAttrs(f.Attributes)
		if orphan {
			attrs[orphanAttribute] = value.Bool(true)
		}
		e := &model.Event{
			ID:         id,
			ParentID:   parentID,
			Timestamp:  ts,
			Level:      f.Level,
			Target:     f.Target,
			Name:       f.Name,
			File:       f.File,
			Line:       f.Line,
			Attributes: attrs,
			Inherited:  p.computeInherited(f.Resource, parentID),
		}
		return p.store.InsertEvent(e)
	}

	parentID, resolved := p.resolveParent(f.Resource, f.LocalParentID)
	if resolved || f.LocalParentID == nil {
		if err := commit(parentID, false); err != nil {
			return model.EventID{}, err
		}
		return id, nil
	}
	p.buffer(pendingKey{Resource: f.Resource, Local: *f.LocalParentID}, pendingEntry{
		kind:      pendingEvent,
		arrivedAt: time.Now(),
		finish:    commit,
	})
	return id, nil
}

func (p *Pipeline) resolveParent(resource model.ResourceID, local *uint64) (*model.SpanID, bool) {
	if local == nil {
		return nil, true
	}
	candidate := model.SpanID{Resource: resource, Local: *local}
	if _, ok := p.store.OpenSpans().Get(candidate); ok {
		return &candidate, true
	}
	if _, ok := p.store.GetSpan(candidate); ok {
		return &candidate, true
	}
	return nil, false
}

// buffer appends entry to the pending set for key and enforces the
// count/age bound by force-flushing the oldest entries as orphans.
func (p *Pipeline) buffer(key pendingKey, entry pendingEntry) {
	e := entry
	e.key = key
	p.mu.Lock()
	p.pending[key] = append(p.pending[key], &e)
	p.order = append(p.order, &e)
	p.mu.Unlock()
	p.enforceBounds()
}

// flushPending commits every entry waiting on parent, in arrival order,
// once that parent id becomes known.
func (p *Pipeline) flushPending(parent model.SpanID) {
	key := pendingKey{Resource: parent.Resource, Local: parent.Local}
	p.mu.Lock()
	entries := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()
	for _, e := range entries {
		p.removeFromOrder(e)
		_ = e.finish(&parent, false)
	}
}

func (p *Pipeline) enforceBounds() {
	for {
		p.mu.Lock()
		if len(p.order) <= p.opts.MaxPending {
			var oldest *pendingEntry
			if len(p.order) > 0 && time.Since(p.order[0].arrivedAt) > p.opts.MaxAge {
				oldest = p.order[0]
			}
			p.mu.Unlock()
			if oldest == nil {
				return
			}
			p.forceOrphan(oldest)
			continue
		}
		oldest := p.order[0]
		p.mu.Unlock()
		p.forceOrphan(oldest)
	}
}

func (p *Pipeline) forceOrphan(e *pendingEntry) {
	p.mu.Lock()
	list := p.pending[e.key]
	for i, cand := range list {
		if cand == e {
			p.pending[e.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.removeFromOrder(e)
	_ = e.finish(nil, true)
}

func (p *Pipeline) removeFromOrder(e *pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.order {
		if cand == e {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// computeInherited snapshots the scope-nearest-wins union of the
// resource's and every ancestor's direct attributes (§3 "Attribute
// inheritance"): resource first, then ancestors from farthest to nearest
// so a nearer scope always overrides a farther one.
func (p *Pipeline) computeInherited(resource model.ResourceID, parent *model.SpanID) map[string]value.Value {
	result := map[string]value.Value{}
	if r, ok := p.store.GetResource(resource); ok {
		for k, v := range r.Attributes {
			result[k] = v
		}
	}
	var chain []*model.Span
	cur := parent
	for cur != nil {
		sp, ok := p.store.GetSpan(*cur)
		if !ok {
			break
		}
		chain = append(chain, sp)
		cur = sp.ParentID
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Attributes {
			result[k] = v
		}
	}
	return result
}

func cloneAttrs(attrs map[string]value.Value) map[string]value.Value {
	if attrs == nil {
		return map[string]value.Value{}
	}
	out := make(map[string]value.Value, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}


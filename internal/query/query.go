// Package query implements the engine's read path: index-driven,
// cursor-paginated, cancellable iteration over the Store, ordered and
// filtered per the compiled predicate produced by internal/filter (§4.6).
package query

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"venator/internal/filter"
	"venator/internal/index"
	"venator/internal/model"
	"venator/internal/store"
)

// Order is the direction candidates are produced in, relative to the
// driving index's primary sort key.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Cursor is the previous page's last (sort_key, id); the next page is
// strictly after it in Order.
type Cursor struct {
	Key uint64
	ID  model.RecordID
	set bool
}

// NoCursor starts a query at the window's leading edge.
var NoCursor = Cursor{}

func cursorFor(key uint64, id model.RecordID) Cursor {
	return Cursor{Key: key, ID: id, set: true}
}

// Params bundles one query request.
type Params struct {
	FilterText string
	Window     filter.Window
	Order      Order
	Limit      int
	Cursor     Cursor
	Deadline   time.Time // zero means no soft deadline
}

// Page is one query result window.
type Page struct {
	Records    []model.Record
	NextCursor Cursor
	Cancelled  bool
	Partial    bool
}

// Engine runs queries against a Store's events or spans.
type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

func (e *Engine) evalCtx() filter.EvalCtx {
	return filter.EvalCtx{ResourceOf: e.store.GetResource}
}

// QueryEvents runs Params against the event indices.
func (e *Engine) QueryEvents(ctx context.Context, p Params) (Page, error) {
	return e.query(ctx, p, e.store.EventIndices(), func(id model.RecordID) (model.Record, bool) {
		evID, ok := id.(model.EventID)
		if !ok {
			return nil, false
		}
		ev, ok := e.store.GetEvent(evID)
		if !ok {
			return nil, false
		}
		return ev, true
	})
}

// QuerySpans runs Params against the span indices.
func (e *Engine) QuerySpans(ctx context.Context, p Params) (Page, error) {
	return e.query(ctx, p, e.store.SpanIndices(), func(id model.RecordID) (model.Record, bool) {
		spID, ok := id.(model.SpanID)
		if !ok {
			return nil, false
		}
		sp, ok := e.store.GetSpan(spID)
		if !ok {
			return nil, false
		}
		return sp, true
	})
}

type fetchFunc func(model.RecordID) (model.Record, bool)

func (e *Engine) query(ctx context.Context, p Params, indices *index.Set, fetch fetchFunc) (Page, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	ast, err := filter.Parse(p.FilterText)
	if err != nil {
		return Page{}, fmt.Errorf("parse filter: %w", err)
	}
	compiled, err := filter.Compile(ast, indices, p.Window)
	if err != nil {
		return Page{}, fmt.Errorf("compile filter: %w", err)
	}

	sources := driverSources(compiled.Driving, indices)
	it := newMergeIterator(sources, p.Order, p.Window, p.Cursor)

	evalCtx := e.evalCtx()
	page := Page{Records: make([]model.Record, 0, p.Limit)}

	for len(page.Records) < p.Limit {
		select {
		case <-ctx.Done():
			page.Cancelled = true
			return page, nil
		default:
		}
		if !p.Deadline.IsZero() && time.Now().After(p.Deadline) {
			page.Partial = true
			return page, nil
		}

		entry, ok := it.next()
		if !ok {
			return page, nil
		}
		rec, ok := fetch(entry.ID)
		if !ok {
			continue
		}
		matched, err := compiled.Residual(evalCtx, rec)
		if err != nil {
			return page, fmt.Errorf("evaluate residual: %w", err)
		}
		if !matched {
			continue
		}
		page.Records = append(page.Records, rec)
		page.NextCursor = cursorFor(entry.Key, entry.ID)
	}
	return page, nil
}

// driverSources resolves a DrivingIndex hint to the concrete Sorted
// snapshots the merge iterator should scan. Level-driven queries fan out
// over every per-level index at or above the threshold and let the
// tournament merge interleave them in sort-key order.
func driverSources(d filter.DrivingIndex, indices *index.Set) []*index.Sorted {
	switch d.Kind {
	case filter.DriveLevel:
		return indices.Levels.AtOrAbove(d.MinLevel)
	case filter.DriveParent:
		return []*index.Sorted{materialize(indices.Parent.Children(d.Parent))}
	case filter.DriveAttribute:
		return []*index.Sorted{materialize(indices.Attrs.Lookup(d.AttrName, d.AttrValueKey))}
	default:
		return []*index.Sorted{indices.Timestamp}
	}
}

func materialize(entries []index.Entry) *index.Sorted {
	s := index.NewSorted()
	for _, e := range entries {
		s.Insert(e.Key, e.ID)
	}
	return s
}

// mergeCursor is one live position into a single source's snapshot.
type mergeCursor struct {
	entries []index.Entry
	pos     int
}

func (c *mergeCursor) exhausted() bool   { return c.pos < 0 || c.pos >= len(c.entries) }
func (c *mergeCursor) head() index.Entry { return c.entries[c.pos] }

// mergeHeap orders live cursors by their current head entry: ascending
// heaps pop the smallest (key,id); descending heaps pop the largest.
type mergeHeap struct {
	cursors []*mergeCursor
	order   Order
}

func (h *mergeHeap) Len() int { return len(h.cursors) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.cursors[i].head(), h.cursors[j].head()
	if h.order == Descending {
		return entryLess(b, a)
	}
	return entryLess(a, b)
}
func (h *mergeHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *mergeHeap) Push(x any)    { h.cursors = append(h.cursors, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}

func entryLess(a, b index.Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.ID.Less(b.ID)
}

// mergeIterator drives a stable tournament merge over one or more Sorted
// index snapshots, honoring the window clamp and resuming strictly after
// a cursor per §4.6 step 2-3.
type mergeIterator struct {
	h      *mergeHeap
	window filter.Window
}

func newMergeIterator(sources []*index.Sorted, order Order, w filter.Window, cursor Cursor) *mergeIterator {
	h := &mergeHeap{order: order}
	for _, src := range sources {
		entries := src.Snapshot()
		start := seekStart(entries, w, cursor, order)
		if start < 0 || start >= len(entries) {
			continue
		}
		h.cursors = append(h.cursors, &mergeCursor{entries: entries, pos: start})
	}
	heap.Init(h)
	return &mergeIterator{h: h, window: w}
}

// seekStart finds the first index into entries that is within the window
// and strictly after cursor (if set), respecting order.
func seekStart(entries []index.Entry, w filter.Window, cursor Cursor, order Order) int {
	if cursor.set {
		if order == Descending {
			return index.LowerBound(entries, cursor.Key, cursor.ID) - 1
		}
		return index.UpperBound(entries, cursor.Key, cursor.ID)
	}
	if order == Descending {
		if w.End == 0 {
			return len(entries) - 1
		}
		return index.UpperBoundKey(entries, w.End) - 1
	}
	return index.LowerBoundKey(entries, w.Start)
}

func (it *mergeIterator) next() (index.Entry, bool) {
	for it.h.Len() > 0 {
		top := it.h.cursors[0]
		e := top.head()
		advance(top, it.h.order)
		if top.exhausted() {
			heap.Pop(it.h)
		} else {
			heap.Fix(it.h, 0)
		}
		if !withinWindow(e.Key, it.window) {
			continue
		}
		return e, true
	}
	return index.Entry{}, false
}

func withinWindow(key uint64, w filter.Window) bool {
	if key < w.Start {
		return false
	}
	if w.End != 0 && key > w.End {
		return false
	}
	return true
}

func advance(c *mergeCursor, order Order) {
	if order == Descending {
		c.pos--
	} else {
		c.pos++
	}
}

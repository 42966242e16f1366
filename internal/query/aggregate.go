package query

import (
	"context"
	"fmt"

	"venator/internal/filter"
	"venator/internal/index"
	"venator/internal/model"
)

// Histogram is the result of a counting query: one bucket per equal-width
// time interval in the window, each broken down per severity level.
type Histogram struct {
	BucketStart []uint64
	BucketWidth uint64
	Counts      [][5]uint64 // Counts[bucket][level]
}

// QueryEventCounts runs the same candidate stream as QueryEvents but only
// tallies matches into buckets (§4.6 "Counting queries").
func (e *Engine) QueryEventCounts(ctx context.Context, filterText string, w filter.Window, buckets int) (Histogram, error) {
	return e.queryCounts(ctx, filterText, w, buckets, e.store.EventIndices(), func(id model.RecordID) (model.Record, bool) {
		evID, ok := id.(model.EventID)
		if !ok {
			return nil, false
		}
		return e.store.GetEvent(evID)
	})
}

// QuerySpanCounts is the span-index equivalent of QueryEventCounts.
func (e *Engine) QuerySpanCounts(ctx context.Context, filterText string, w filter.Window, buckets int) (Histogram, error) {
	return e.queryCounts(ctx, filterText, w, buckets, e.store.SpanIndices(), func(id model.RecordID) (model.Record, bool) {
		spID, ok := id.(model.SpanID)
		if !ok {
			return nil, false
		}
		return e.store.GetSpan(spID)
	})
}

func (e *Engine) queryCounts(ctx context.Context, filterText string, w filter.Window, buckets int, indices *index.Set, fetch fetchFunc) (Histogram, error) {
	if buckets <= 0 {
		buckets = 1
	}
	ast, err := filter.Parse(filterText)
	if err != nil {
		return Histogram{}, fmt.Errorf("parse filter: %w", err)
	}
	compiled, err := filter.Compile(ast, indices, w)
	if err != nil {
		return Histogram{}, fmt.Errorf("compile filter: %w", err)
	}

	span := w.End - w.Start
	width := uint64(1)
	if span > 0 {
		width = span / uint64(buckets)
		if width == 0 {
			width = 1
		}
	}
	hist := Histogram{
		BucketStart: make([]uint64, buckets),
		BucketWidth: width,
		Counts:      make([][5]uint64, buckets),
	}
	for i := range hist.BucketStart {
		hist.BucketStart[i] = w.Start + uint64(i)*width
	}

	sources := driverSources(compiled.Driving, indices)
	it := newMergeIterator(sources, Ascending, w, NoCursor)
	evalCtx := e.evalCtx()

	for {
		select {
		case <-ctx.Done():
			return hist, nil
		default:
		}
		entry, ok := it.next()
		if !ok {
			return hist, nil
		}
		rec, ok := fetch(entry.ID)
		if !ok {
			continue
		}
		matched, err := compiled.Residual(evalCtx, rec)
		if err != nil {
			return hist, fmt.Errorf("evaluate residual: %w", err)
		}
		if !matched {
			continue
		}
		bucket := bucketIndex(entry.Key, w.Start, width, buckets)
		hist.Counts[bucket][rec.RecLevel()]++
	}
}

func bucketIndex(key, start, width uint64, buckets int) int {
	if width == 0 {
		return 0
	}
	idx := int((key - start) / width)
	if idx < 0 {
		return 0
	}
	if idx >= buckets {
		return buckets - 1
	}
	return idx
}

// Subtree walks the span tree rooted at root in preorder, bounded by the
// root's [created_at, closed_at ?? +inf] interval (§4.6 "Trace view").
// The residual of filterText is applied to every span visited.
func (e *Engine) Subtree(ctx context.Context, root model.SpanID, filterText string, indices *index.Set) ([]*model.Span, error) {
	ast, err := filter.Parse(filterText)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	compiled, err := filter.Compile(ast, indices, filter.Window{})
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	evalCtx := e.evalCtx()

	lo, hi := uint64(0), ^uint64(0)
	if rs, ok := e.store.GetSpan(root); ok {
		lo = rs.CreatedAt
		if c, ok := rs.ClosedAt(); ok {
			hi = c
		}
	}

	var out []*model.Span
	var walk func(model.SpanID) error
	walk = func(parent model.SpanID) error {
		for _, entry := range indices.Parent.Children(parent) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			spID, ok := entry.ID.(model.SpanID)
			if !ok {
				continue
			}
			sp, ok := e.store.GetSpan(spID)
			if !ok {
				continue
			}
			if sp.CreatedAt < lo || sp.CreatedAt > hi {
				continue
			}
			matched, err := compiled.Residual(evalCtx, sp)
			if err != nil {
				return err
			}
			if matched {
				out = append(out, sp)
			}
			if err := walk(spID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		if err == context.Canceled {
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// OpenAt returns every span open at time t - created before or at t and
// not yet closed, or closed after t - with the residual predicate applied
// (§4.6 "Open-spans view"). Still-open spans come from the live open-span
// table; spans that were open at t but have since closed only survive in
// the ClosedAt index (created_at <= t, closed_at > t), which is why both
// sources are consulted (§4.4's ClosedAt index exists for exactly this).
func (e *Engine) OpenAt(ctx context.Context, t uint64, filterText string, indices *index.Set) ([]*model.Span, error) {
	ast, err := filter.Parse(filterText)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	compiled, err := filter.Compile(ast, indices, filter.Window{})
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	evalCtx := e.evalCtx()

	var out []*model.Span
	visit := func(sp *model.Span) (bool, error) {
		if sp.CreatedAt > t {
			return false, nil
		}
		return compiled.Residual(evalCtx, sp)
	}

	for _, sp := range e.store.OpenSpans().Snapshot() {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}
		matched, err := visit(sp)
		if err != nil {
			return out, err
		}
		if matched {
			out = append(out, sp)
		}
	}

	entries := indices.ClosedAt.Snapshot()
	for _, entry := range entries[index.UpperBoundKey(entries, t):] {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}
		spID, ok := entry.ID.(model.SpanID)
		if !ok {
			continue
		}
		sp, ok := e.store.GetSpan(spID)
		if !ok {
			continue
		}
		matched, err := visit(sp)
		if err != nil {
			return out, err
		}
		if matched {
			out = append(out, sp)
		}
	}
	return out, nil
}

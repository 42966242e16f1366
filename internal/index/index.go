// Package index implements the engine's sorted, lock-free-for-readers
// indices over timestamp, level, parent, and attribute value, per the
// spec's index design: readers snapshot an atomically swapped pointer and
// never observe a torn write.
package index

import (
	"sort"
	"sync"
	"sync/atomic"

	"venator/internal/model"
)

// Entry is one index slot: a sort key plus the record identity it points
// at. Indices never own records, only identities.
type Entry struct {
	Key uint64
	ID  model.RecordID
}

func less(a, b Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.ID.Less(b.ID)
}

// Sorted is a (Key, ID) ordered index. Writers serialize through Insert;
// readers call Snapshot and iterate the returned slice without locking -
// concurrent inserts swap in a new backing slice via compare-and-swap, so a
// snapshot already taken is never mutated underneath a reader.
type Sorted struct {
	ptr atomic.Pointer[[]Entry]
}

func NewSorted() *Sorted {
	s := &Sorted{}
	empty := make([]Entry, 0)
	s.ptr.Store(&empty)
	return s
}

// Snapshot returns the current high-watermark of entries. The caller must
// not mutate the returned slice.
func (s *Sorted) Snapshot() []Entry {
	return *s.ptr.Load()
}

// Insert adds an entry in sorted position. Must only be called by the
// engine's single writer.
func (s *Sorted) Insert(key uint64, id model.RecordID) {
	entry := Entry{Key: key, ID: id}
	for {
		old := s.ptr.Load()
		next := insertSorted(*old, entry)
		if s.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

func insertSorted(entries []Entry, entry Entry) []Entry {
	idx := sort.Search(len(entries), func(i int) bool {
		return less(entry, entries[i])
	})
	out := make([]Entry, len(entries)+1)
	copy(out, entries[:idx])
	out[idx] = entry
	copy(out[idx+1:], entries[idx:])
	return out
}

// LowerBound returns the index of the first entry >= (key, id).
func LowerBound(entries []Entry, key uint64, id model.RecordID) int {
	target := Entry{Key: key, ID: id}
	return sort.Search(len(entries), func(i int) bool {
		return !less(entries[i], target)
	})
}

// UpperBound returns the index of the first entry > (key, id).
func UpperBound(entries []Entry, key uint64, id model.RecordID) int {
	target := Entry{Key: key, ID: id}
	return sort.Search(len(entries), func(i int) bool {
		return less(target, entries[i])
	})
}

// LowerBoundKey returns the index of the first entry with Key >= key,
// ignoring id - used to seek to a window edge with no cursor.
func LowerBoundKey(entries []Entry, key uint64) int {
	return sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
}

// UpperBoundKey returns the index of the first entry with Key > key.
func UpperBoundKey(entries []Entry, key uint64) int {
	return sort.Search(len(entries), func(i int) bool { return entries[i].Key > key })
}

// Range clamps entries to [start, end] on Key, inclusive both ends.
func Range(entries []Entry, start, end uint64) []Entry {
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= start })
	hi := sort.Search(len(entries), func(i int) bool { return entries[i].Key > end })
	if lo >= hi {
		return nil
	}
	return entries[lo:hi]
}

// LevelSet holds one Sorted index per severity level (§4.4), enabling the
// "level >= L" k-way merge.
type LevelSet [5]*Sorted

func NewLevelSet() *LevelSet {
	var ls LevelSet
	for i := range ls {
		ls[i] = NewSorted()
	}
	return &ls
}

func (ls *LevelSet) Insert(level model.Level, key uint64, id model.RecordID) {
	ls[int(level)].Insert(key, id)
}

// AtOrAbove returns the per-level indices from minLevel through ERROR.
func (ls *LevelSet) AtOrAbove(minLevel model.Level) []*Sorted {
	if minLevel < 0 {
		minLevel = 0
	}
	return ls[int(minLevel):]
}

// ParentSet maps a parent span id to its children, ordered by timestamp.
// The map itself is writer-serialized; each per-parent Sorted is
// lock-free for readers exactly like the top-level indices.
type ParentSet struct {
	mu       sync.RWMutex
	children map[model.SpanID]*Sorted
}

func NewParentSet() *ParentSet {
	return &ParentSet{children: map[model.SpanID]*Sorted{}}
}

func (p *ParentSet) Insert(parent model.SpanID, key uint64, id model.RecordID) {
	p.mu.Lock()
	idx, ok := p.children[parent]
	if !ok {
		idx = NewSorted()
		p.children[parent] = idx
	}
	p.mu.Unlock()
	idx.Insert(key, id)
}

func (p *ParentSet) Children(parent model.SpanID) []Entry {
	p.mu.RLock()
	idx, ok := p.children[parent]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return idx.Snapshot()
}

// AttributeSet lazily creates one Sorted per (name, value) pair for the
// attribute names configured as indexed (§4.4, §6.4).
type AttributeSet struct {
	mu      sync.RWMutex
	indexed map[string]bool
	byName  map[string]map[string]*Sorted
}

func NewAttributeSet(indexedNames []string) *AttributeSet {
	indexed := make(map[string]bool, len(indexedNames))
	for _, n := range indexedNames {
		indexed[n] = true
	}
	return &AttributeSet{indexed: indexed, byName: map[string]map[string]*Sorted{}}
}

func (a *AttributeSet) IsIndexed(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.indexed[name]
}

// Insert records id under (name, valueKey) if name is configured as
// indexed. valueKey should be value.SortKey(v).
func (a *AttributeSet) Insert(name, valueKey string, key uint64, id model.RecordID) {
	a.mu.RLock()
	indexed := a.indexed[name]
	a.mu.RUnlock()
	if !indexed {
		return
	}
	a.mu.Lock()
	byValue, ok := a.byName[name]
	if !ok {
		byValue = map[string]*Sorted{}
		a.byName[name] = byValue
	}
	idx, ok := byValue[valueKey]
	if !ok {
		idx = NewSorted()
		byValue[valueKey] = idx
	}
	a.mu.Unlock()
	idx.Insert(key, id)
}

func (a *AttributeSet) Lookup(name, valueKey string) []Entry {
	a.mu.RLock()
	byValue, ok := a.byName[name]
	if !ok {
		a.mu.RUnlock()
		return nil
	}
	idx, ok := byValue[valueKey]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	return idx.Snapshot()
}

// OpenSpans is the O(1)-close open-span table keyed by (resource, local id).
type OpenSpans struct {
	mu   sync.RWMutex
	open map[model.SpanID]*model.Span
}

func NewOpenSpans() *OpenSpans {
	return &OpenSpans{open: map[model.SpanID]*model.Span{}}
}

func (o *OpenSpans) Add(s *model.Span) {
	o.mu.Lock()
	o.open[s.ID] = s
	o.mu.Unlock()
}

func (o *OpenSpans) Remove(id model.SpanID) {
	o.mu.Lock()
	delete(o.open, id)
	o.mu.Unlock()
}

func (o *OpenSpans) Get(id model.SpanID) (*model.Span, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.open[id]
	return s, ok
}

// Snapshot returns every currently-open span, safe to range over.
func (o *OpenSpans) Snapshot() []*model.Span {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*model.Span, 0, len(o.open))
	for _, s := range o.open {
		out = append(out, s)
	}
	return out
}

// Set bundles every index the store maintains for one record kind (events
// or spans).
type Set struct {
	Timestamp *Sorted // events: (timestamp,id); spans: (created_at,id)
	ClosedAt  *Sorted // spans only: (closed_at ?? +inf, id)
	Levels    *LevelSet
	Parent    *ParentSet
	Attrs     *AttributeSet
}

func NewSet(indexedAttrs []string) *Set {
	return &Set{
		Timestamp: NewSorted(),
		ClosedAt:  NewSorted(),
		Levels:    NewLevelSet(),
		Parent:    NewParentSet(),
		Attrs:     NewAttributeSet(indexedAttrs),
	}
}

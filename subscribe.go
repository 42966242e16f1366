package venator

import (
	"venator/internal/filter"
	"venator/internal/model"
	"venator/internal/store"
)

// subscriptionBuffer bounds how many unread records a slow subscriber can
// fall behind by before the engine starts coalescing (dropping the
// oldest unread record to make room for the newest).
const subscriptionBuffer = 64

// Subscription is a live, best-effort stream of records matching a filter,
// pushed as they are inserted (§6.1 "subscribe_live"). A slow consumer
// never blocks the writer: once its buffer is full, the oldest unread
// record is dropped in favor of the newest.
type Subscription struct {
	C      <-chan model.Record
	cancel func()
}

// Close stops delivery and releases the subscription's buffer. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

type subscription struct {
	ch       chan model.Record
	residual filter.Evaluator
	evalCtx  filter.EvalCtx
}

// SubscribeLive compiles filterText once and registers a subscription that
// receives every subsequently inserted span or event matching it. Only
// insertion is pushed - a span's later close is not re-delivered, per
// §6.1's "push on insertion".
func (e *Engine) SubscribeLive(filterText string) (*Subscription, error) {
	ast, err := filter.Parse(filterText)
	if err != nil {
		return nil, err
	}
	// Residual evaluation is index-independent (see filter.Compile); the
	// indices argument only steers driving-index selection, which a
	// pushed stream has no use for.
	compiled, err := filter.Compile(ast, e.store.EventIndices(), filter.Window{})
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		ch:       make(chan model.Record, subscriptionBuffer),
		residual: compiled.Residual,
		evalCtx:  filter.EvalCtx{ResourceOf: e.store.GetResource},
	}

	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = sub
	e.subsMu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
		},
	}, nil
}

// publish is registered as a store.Observer; it fans a freshly inserted
// span or event out to every subscription whose residual matches.
func (e *Engine) publish(m store.Mutation) {
	var rec model.Record
	switch m.Kind {
	case store.MutationSpanInserted:
		rec = m.Span
	case store.MutationEventInserted:
		rec = m.Event
	default:
		return
	}

	e.subsMu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.subsMu.Unlock()

	for _, s := range subs {
		matched, err := s.residual(s.evalCtx, rec)
		if err != nil || !matched {
			continue
		}
		coalescingSend(s.ch, rec)
	}
}

// coalescingSend delivers rec without blocking: if the channel is full,
// it drops the oldest queued record to make room rather than stall the
// writer goroutine.
func coalescingSend(ch chan model.Record, rec model.Record) {
	for {
		select {
		case ch <- rec:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

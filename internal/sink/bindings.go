package sink

import (
	"reflect"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/rickgao/tcpsocket/internal/registry"
)

// Bindings maps handles to sinks. Its lifecycle is independent from the
// connections: a handle may be bound before data arrives, and unbound while
// the connection stays open.
type Bindings struct {
	sinks cmap.ConcurrentMap[registry.Handle, Sink]

	delivered atomic.Int64
	dropped   atomic.Int64
}

// BindingStats counts deliveries since creation.
type BindingStats struct {
	Bound     int
	Delivered int64
	Dropped   int64 // unbound handle or sink refused
}

// NewBindings creates an empty binding table.
func NewBindings() *Bindings {
	return &Bindings{
		sinks: cmap.NewStringer[registry.Handle, Sink](),
	}
}

// Bind registers s for h, replacing and returning any previous sink.
func (b *Bindings) Bind(h registry.Handle, s Sink) (prev Sink) {
	b.sinks.Upsert(h, s, func(exists bool, old Sink, _ Sink) Sink {
		if exists {
			prev = old
		}
		return s
	})
	return prev
}

// Unbind clears the sink for h and returns it, if any.
func (b *Bindings) Unbind(h registry.Handle) Sink {
	s, _ := b.sinks.Pop(h)
	return s
}

// UnbindIf clears the binding for h only while it is still s. Sinks whose
// dynamic type is not comparable, such as Func, never match.
func (b *Bindings) UnbindIf(h registry.Handle, s Sink) bool {
	if s == nil || !reflect.TypeOf(s).Comparable() {
		return false
	}
	return b.sinks.RemoveCb(h, func(_ registry.Handle, cur Sink, exists bool) bool {
		// Both operands must be comparable: the callback runs under the shard lock.
		return exists && reflect.TypeOf(cur) == reflect.TypeOf(s) && cur == s
	})
}

// Bound reports whether h currently has a sink.
func (b *Bindings) Bound(h registry.Handle) bool {
	return b.sinks.Has(h)
}

// Deliver hands ev to the sink bound to its handle. Unbound events are
// discarded. It never blocks beyond the sink's own non-blocking Send.
func (b *Bindings) Deliver(ev Event) bool {
	s, ok := b.sinks.Get(ev.Handle)
	if !ok || !s.Send(ev) {
		b.dropped.Add(1)
		return false
	}
	b.delivered.Add(1)
	return true
}

// Stats returns delivery counters.
func (b *Bindings) Stats() BindingStats {
	return BindingStats{
		Bound:     b.sinks.Count(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Package registry maps connection handles to live connection state.
package registry

import (
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/rickgao/tcpsocket/internal/errs"
)

// Handle identifies one connection for its whole lifetime. Handles are never
// reused within a process; the zero Handle is never issued.
type Handle uint64

// String implements fmt.Stringer (also used as the shard key).
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// Registry is a concurrent handle -> V map. Entries are inserted once at
// connect time and removed by the owning read loop.
type Registry[V comparable] struct {
	next  atomic.Uint64
	items cmap.ConcurrentMap[Handle, V]
}

// New creates an empty Registry.
func New[V comparable]() *Registry[V] {
	return &Registry[V]{
		items: cmap.NewStringer[Handle, V](),
	}
}

// Next returns a fresh handle.
func (r *Registry[V]) Next() Handle {
	return Handle(r.next.Add(1))
}

// Insert adds v under h. It fails with DuplicateHandle if h is present.
func (r *Registry[V]) Insert(h Handle, v V) error {
	if !r.items.SetIfAbsent(h, v) {
		return errs.New(errs.DuplicateHandle, "handle %d already registered", h)
	}
	return nil
}

// Get looks up h. A missing entry means the connection is unknown or
// already closed.
func (r *Registry[V]) Get(h Handle) (V, bool) {
	return r.items.Get(h)
}

// Remove deletes h. Removing an absent handle is a no-op.
func (r *Registry[V]) Remove(h Handle) {
	r.items.Remove(h)
}

// RemoveIf deletes h only while it still maps to v, and reports whether it
// did.
func (r *Registry[V]) RemoveIf(h Handle, v V) bool {
	return r.items.RemoveCb(h, func(_ Handle, cur V, exists bool) bool {
		return exists && cur == v
	})
}

// Len returns the number of registered handles.
func (r *Registry[V]) Len() int {
	return r.items.Count()
}

// Handles returns a snapshot of the registered handles.
func (r *Registry[V]) Handles() []Handle {
	return r.items.Keys()
}

// Values returns a snapshot of the registered values.
func (r *Registry[V]) Values() []V {
	items := r.items.Items()
	out := make([]V, 0, len(items))
	for _, v := range items {
		out = append(out, v)
	}
	return out
}

// Package owner tracks the host's active callers. The broker never holds
// a strong reference to an owner: records carry only an owner id, and the
// registry is consulted at delivery time, so an unloaded owner simply
// stops resolving.
package owner

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Owner is one logical caller (e.g. a plugin instance).
type Owner struct {
	ID   string
	Name string

	tracking atomic.Int64
}

// BeginTracking marks the start of a tracked callback delivery.
func (o *Owner) BeginTracking() {
	o.tracking.Add(1)
}

// EndTracking marks the end of a tracked callback delivery.
func (o *Owner) EndTracking() {
	o.tracking.Add(-1)
}

// Tracking returns the number of deliveries currently inside the
// tracking window. Instrumentation only.
func (o *Owner) Tracking() int64 {
	return o.tracking.Load()
}

// Registry is the active-owner set plus per-owner removal subscriptions.
type Registry struct {
	mu        sync.Mutex
	owners    map[string]*Owner
	subs      map[string]map[int]func(ownerID string)
	nextSubID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]*Owner),
		subs:   make(map[string]map[int]func(ownerID string)),
	}
}

// Register adds a new active owner and returns it.
func (r *Registry) Register(name string) *Owner {
	o := &Owner{ID: uuid.NewString(), Name: name}
	r.mu.Lock()
	r.owners[o.ID] = o
	r.mu.Unlock()
	return o
}

// Lookup resolves an owner id against the active set. A removed owner
// (or the empty id) resolves to nil.
func (r *Registry) Lookup(id string) (*Owner, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[id]
	return o, ok
}

// Remove drops an owner from the active set and fires its removal
// subscriptions. Subscriptions run outside the registry lock.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.owners, id)
	hooks := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
}

// OnRemoved subscribes fn to the removal of owner id. The returned cancel
// is idempotent. If the owner is already gone, fn fires immediately.
func (r *Registry) OnRemoved(id string, fn func(ownerID string)) (cancel func()) {
	r.mu.Lock()
	if _, active := r.owners[id]; !active {
		r.mu.Unlock()
		fn(id)
		return func() {}
	}

	subID := r.nextSubID
	r.nextSubID++
	if r.subs[id] == nil {
		r.subs[id] = make(map[int]func(ownerID string))
	}
	r.subs[id][subID] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if hooks, ok := r.subs[id]; ok {
				delete(hooks, subID)
			}
			r.mu.Unlock()
		})
	}
}

package app

import (
	"sync"
	"time"

	"chronicle/studio/internal/history"
	"chronicle/studio/internal/metrics"
)

type view struct {
	id         string
	documentID string
	controller *history.Controller
	expiresAt  time.Time
}

// viewRegistry holds open controllers. Each access extends a view's lease by
// ttl; expired views are stopped by sweep.
type viewRegistry struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	views map[string]*view
}

func newViewRegistry(ttl time.Duration) *viewRegistry {
	return &viewRegistry{
		ttl:   ttl,
		now:   time.Now,
		views: make(map[string]*view),
	}
}

func (r *viewRegistry) add(v *view) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.expiresAt = r.now().Add(r.ttl)
	r.views[v.id] = v
	metrics.OpenViews.Inc()
}

func (r *viewRegistry) get(id string) (*view, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if !now.Before(v.expiresAt) {
		return nil, false
	}
	v.expiresAt = now.Add(r.ttl)
	return v, true
}

func (r *viewRegistry) remove(id string) bool {
	r.mu.Lock()
	v, ok := r.views[id]
	if ok {
		delete(r.views, id)
	}
	r.mu.Unlock()
	if ok {
		v.controller.Stop()
		metrics.OpenViews.Dec()
	}
	return ok
}

// forDocument returns the live views of documentID.
func (r *viewRegistry) forDocument(documentID string) []*view {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]*view, 0)
	for _, v := range r.views {
		if v.documentID == documentID && now.Before(v.expiresAt) {
			out = append(out, v)
		}
	}
	return out
}

// sweep stops and forgets every expired view and reports how many it removed.
func (r *viewRegistry) sweep() int {
	r.mu.Lock()
	now := r.now()
	expired := make([]*view, 0)
	for id, v := range r.views {
		if !now.Before(v.expiresAt) {
			expired = append(expired, v)
			delete(r.views, id)
		}
	}
	r.mu.Unlock()

	for _, v := range expired {
		v.controller.Stop()
		metrics.OpenViews.Dec()
	}
	return len(expired)
}

func (r *viewRegistry) closeAll() {
	r.mu.Lock()
	all := make([]*view, 0, len(r.views))
	for id, v := range r.views {
		all = append(all, v)
		delete(r.views, id)
	}
	r.mu.Unlock()

	for _, v := range all {
		v.controller.Stop()
		metrics.OpenViews.Dec()
	}
}

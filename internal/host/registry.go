package host

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// registry maps CDP string target IDs to int64 tab handles. A handle is
// never reused within a process, even after its target closes.
type registry struct {
	mu    sync.Mutex
	next  int64
	byID  map[target.ID]int64
	byTab map[int64]target.ID
}

func newRegistry() *registry {
	return &registry{byID: map[target.ID]int64{}, byTab: map[int64]target.ID{}}
}

func (r *registry) handle(id target.ID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byID[id]; ok {
		return h
	}
	r.next++
	r.byID[id] = r.next
	r.byTab[r.next] = id
	return r.next
}

func (r *registry) lookup(h int64) (target.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTab[h]
	return id, ok
}

func (r *registry) forget(h int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTab[h]; ok {
		delete(r.byTab, h)
		delete(r.byID, id)
	}
}

// retain drops handles whose targets are no longer live.
func (r *registry) retain(live map[target.ID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.byID {
		if _, ok := live[id]; !ok {
			delete(r.byID, id)
			delete(r.byTab, h)
		}
	}
}

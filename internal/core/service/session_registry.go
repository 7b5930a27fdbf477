package service

import (
	"sync"

	"github.com/rl1809/stall-market/internal/core/domain"
)

// SessionCallbacks are supplied by the owner of a market window. They are
// only invoked after registration and never while the registry lock is held.
type SessionCallbacks struct {
	OnSnapshot func(domain.Snapshot) error
	OnResult   func(domain.Result) error
}

type subscriber struct {
	session   domain.Session
	callbacks SessionCallbacks
}

// sessionRegistry indexes buyer and seller sessions by stall. One mutex
// guards both indexes.
type sessionRegistry struct {
	mu      sync.Mutex
	byID    map[string]*subscriber
	buyers  map[string]map[string]*subscriber
	sellers map[string]map[string]*subscriber
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byID:    make(map[string]*subscriber),
		buyers:  make(map[string]map[string]*subscriber),
		sellers: make(map[string]map[string]*subscriber),
	}
}

func (r *sessionRegistry) index(kind domain.SessionKind) map[string]map[string]*subscriber {
	if kind == domain.SessionSeller {
		return r.sellers
	}
	return r.buyers
}

func (r *sessionRegistry) add(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(sub.session.Kind)
	set, ok := idx[sub.session.StallID]
	if !ok {
		set = make(map[string]*subscriber)
		idx[sub.session.StallID] = set
	}
	set[sub.session.ID] = sub
	r.byID[sub.session.ID] = sub
}

func (r *sessionRegistry) remove(sessionID string) (*subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.byID, sessionID)

	idx := r.index(sub.session.Kind)
	if set, ok := idx[sub.session.StallID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(idx, sub.session.StallID)
		}
	}
	return sub, true
}

func (r *sessionRegistry) get(sessionID string) (*subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[sessionID]
	return sub, ok
}

// list copies the subscribers so callers can deliver without the lock.
func (r *sessionRegistry) list(kind domain.SessionKind, stallID string) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.index(kind)[stallID]
	out := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

func (r *sessionRegistry) count(kind domain.SessionKind, stallID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.index(kind)[stallID])
}

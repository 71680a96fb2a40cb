package session

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Registry tracks the sessions that currently own a process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Info
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Info)}
}

func (r *Registry) add(id string, pid int) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{ID: id, PID: pid, StartedAt: time.Now()}
	r.sessions[id] = info
	return info
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns a live session, or ErrSessionNotFound.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return info, nil
}

// List returns live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		list = append(list, info)
	}
	slices.SortFunc(list, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

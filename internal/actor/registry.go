package actor

import (
	"sync"

	"github.com/calendarfed/tminus/internal/sweep"
)

// Registry tracks every User actor currently running in the daemon
// process, so the sweeper can tick all of them without the daemon
// main loop threading a slice through by hand.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewRegistry() *Registry {
	return &Registry{users: map[string]*User{}}
}

func (r *Registry) Add(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.UserID] = u
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}

func (r *Registry) Get(userID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	return u, ok
}

// All satisfies sweep.Registry.
func (r *Registry) All() []sweep.Sweepable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sweep.Sweepable, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

package session

import (
	"sort"
	"sync"
)

// Store keeps every session created by this process, newest last.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	current  string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Put inserts or replaces s and makes it current.
func (st *Store) Put(s Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	st.current = s.ID
}

// Get returns the session with id.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Current returns the most recently created session.
func (st *Store) Current() (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[st.current]
	return s, ok
}

// Has reports whether id was already used.
func (st *Store) Has(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.sessions[id]
	return ok
}

// List returns all sessions ordered by preparation time.
func (st *Store) List() []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PreparedAt.Equal(out[j].PreparedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PreparedAt.Before(out[j].PreparedAt)
	})
	return out
}

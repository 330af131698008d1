package session

import (
	"sync"
	"time"

	"bulk-distance/internal/metrics"

	"github.com/google/uuid"
)

// Store holds sessions in memory, keyed by ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (st *Store) New() *Session {
	s := newSession(uuid.New().String())
	st.mu.Lock()
	st.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(st.sessions)))
	st.mu.Unlock()
	return s
}

func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// GetOrCreate returns the session for id, creating it if the ID is unknown,
// e.g. after a restart while the browser still holds the cookie.
func (st *Store) GetOrCreate(id string) *Session {
	if id == "" {
		return st.New()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	st.sessions[id] = s
	metrics.ActiveSessions.Set(float64(len(st.sessions)))
	return s
}

// Sweep drops sessions idle for longer than maxIdle. Sessions with a
// calculation in progress are kept.
func (st *Store) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		last, running := s.activity()
		if !running && last.Before(cutoff) {
			s.Cancel()
			delete(st.sessions, id)
			removed++
		}
	}
	metrics.ActiveSessions.Set(float64(len(st.sessions)))
	return removed
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

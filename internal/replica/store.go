// Package replica keeps a client-side copy of a unit's sessions and turns
// user intents into writes against the document store.
package replica

import (
	"sync"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/docstore"
)

// Repository is the read side of the session arena used when planning intents.
type Repository interface {
	Get(id string) (counting.Session, bool)
	List() []counting.Session
}

// Store holds the sessions currently visible to the client, newest first.
// It is changed only by Replace (snapshots) or Apply (local reducer).
type Store struct {
	mu       sync.RWMutex
	sessions []counting.Session
	byID     map[string]int
}

func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Replace discards the current contents in favour of a full snapshot.
func (s *Store) Replace(sessions []counting.Session) {
	next := make([]counting.Session, len(sessions))
	for i, sess := range sessions {
		next[i] = sess.Clone()
	}
	docstore.SortByDateDesc(next)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(next)
}

// Apply runs mutations against the local copy.
func (s *Store) Apply(mutations []Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]counting.Session, 0, len(s.sessions)+1)
	deleted := make(map[string]bool)
	upserts := make(map[string]counting.Session)
	for _, m := range mutations {
		if m.Session != nil {
			upserts[m.Session.ID] = m.Session.Clone()
			delete(deleted, m.Session.ID)
		} else {
			deleted[m.DeleteID] = true
			delete(upserts, m.DeleteID)
		}
	}
	for _, sess := range s.sessions {
		if deleted[sess.ID] {
			continue
		}
		if up, ok := upserts[sess.ID]; ok {
			sess = up
			delete(upserts, sess.ID)
		}
		next = append(next, sess)
	}
	for _, up := range upserts {
		next = append(next, up)
	}
	docstore.SortByDateDesc(next)
	s.setLocked(next)
}

func (s *Store) setLocked(sessions []counting.Session) {
	s.sessions = sessions
	s.byID = make(map[string]int, len(sessions))
	for i, sess := range sessions {
		s.byID[sess.ID] = i
	}
}

func (s *Store) Get(id string) (counting.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return counting.Session{}, false
	}
	return s.sessions[i].Clone(), true
}

// List returns copies of all sessions, newest first.
func (s *Store) List() []counting.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]counting.Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

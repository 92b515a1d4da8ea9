package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/gambit/internal/match/ident"
	"github.com/cory-johannsen/gambit/internal/match/presence"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrCodeInUse is returned by Create when a waiting session already holds the code.
	ErrCodeInUse = errors.New("join code already in use")
	// ErrDuplicateID is returned by Create when the id generator repeats itself.
	ErrDuplicateID = errors.New("duplicate session id")
)

type entry struct {
	mu   sync.Mutex
	sess *Session
}

// Store keeps every session created during the process lifetime.
//
// Locking: s.mu guards the sessions map only. Each entry's mu serializes all
// access to one session. idxMu guards the code and connection indexes and is
// always acquired last.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	idxMu   sync.Mutex
	waiting map[string]string              // code → session id
	members map[string]map[string]struct{} // connection id → session ids

	ids ident.Generator
	now func() time.Time
}

// New creates an empty Store.
//
// Precondition: ids must be non-nil. now may be nil, in which case time.Now is used.
func New(ids ident.Generator, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*entry),
		waiting:  make(map[string]string),
		members:  make(map[string]map[string]struct{}),
		ids:      ids,
		now:      now,
	}
}

// Create stores a new waiting session with creator in the first slot.
//
// Precondition: creator.ConnectionID and code must be non-empty.
// Postcondition: Returns a copy of the new session, ErrCodeInUse if another
// waiting session holds the normalized code, or ErrDuplicateID if the id
// generator produced an id already in use.
func (s *Store) Create(creator presence.Participant, code string) (Session, error) {
	code = ident.NormalizeCode(code)
	if code == "" {
		return Session{}, errors.New("join code must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if _, taken := s.waiting[code]; taken {
		return Session{}, fmt.Errorf("%w: %s", ErrCodeInUse, code)
	}
	id := s.ids.Next()
	if _, exists := s.sessions[id]; exists || id == "" {
		return Session{}, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	now := s.now()
	sess := &Session{
		ID:        id,
		Code:      code,
		Status:    StatusWaiting,
		Creator:   creator,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = &entry{sess: sess}
	s.waiting[code] = id
	s.addMemberLocked(creator.ConnectionID, id)
	return sess.clone(), nil
}

// FindWaitingByCode returns the session currently waiting under code.
//
// Postcondition: Returns (session, true) only if its status is exactly StatusWaiting.
func (s *Store) FindWaitingByCode(code string) (Session, bool) {
	s.idxMu.Lock()
	id, ok := s.waiting[ident.NormalizeCode(code)]
	s.idxMu.Unlock()
	if !ok {
		return Session{}, false
	}
	sess, ok := s.Get(id)
	if !ok || sess.Status != StatusWaiting {
		return Session{}, false
	}
	return sess, true
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (Session, bool) {
	e, ok := s.entry(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), true
}

// Mutate applies fn to the session under its lock. UpdatedAt is advanced before
// fn runs and restored if fn fails. fn must not call back into the Store.
//
// Postcondition: Returns a copy of the session after fn, ErrNotFound for an
// unknown id, or fn's error unchanged.
func (s *Store) Mutate(id string, fn func(*Session) error) (Session, error) {
	e, ok := s.entry(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.sess.UpdatedAt
	e.sess.UpdatedAt = s.now()
	if err := fn(e.sess); err != nil {
		e.sess.UpdatedAt = prev
		return Session{}, err
	}
	s.reindex(e.sess)
	return e.sess.clone(), nil
}

// View runs fn with a copy of the session while holding its lock, so work done
// by fn is ordered with respect to Mutate calls on the same session.
// fn must not call back into the Store.
func (s *Store) View(id string, fn func(Session) error) error {
	e, ok := s.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess.clone())
}

// SessionsFor returns the ids of every session with a slot bound through connID.
func (s *Store) SessionsFor(connID string) []string {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	set := s.members[connID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops connID from the connection index. Sessions keep their
// historical participant records.
func (s *Store) Forget(connID string) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	delete(s.members, connID)
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByStatus returns the number of sessions in each status.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	counts := make(map[Status]int, 4)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.sess.Status]++
		e.mu.Unlock()
	}
	return counts
}

func (s *Store) entry(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// reindex brings the code and connection indexes in line with sess.
// Caller must hold the session's entry lock.
func (s *Store) reindex(sess *Session) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if sess.Status != StatusWaiting && s.waiting[sess.Code] == sess.ID {
		delete(s.waiting, sess.Code)
	}
	if sess.Joiner != nil {
		s.addMemberLocked(sess.Joiner.ConnectionID, sess.ID)
	}
}

func (s *Store) addMemberLocked(connID, sessionID string) {
	set, ok := s.members[connID]
	if !ok {
		set = make(map[string]struct{})
		s.members[connID] = set
	}
	set[sessionID] = struct{}{}
}

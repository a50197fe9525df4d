package memory

import (
	"context"
	"encoding/json"
	"sync"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/engine"
)

// SessionStore is an in-memory implementation of engine.SessionStore, used
// for tests and single-process local runs. Snapshots are deep-copied on every
// read so callers can never alias the stored document, mimicking the
// serialization boundary of the real store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	codes    map[string]string
	subs     map[string]map[int]engine.SnapshotFunc
	nextSub  int
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string][]byte),
		codes:    make(map[string]string),
		subs:     make(map[string]map[int]engine.SnapshotFunc),
	}
}

func (s *SessionStore) Read(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	raw, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (s *SessionStore) WriteFull(_ context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[session.ID] = raw
	fns := s.subscribersLocked(session.ID)
	s.mu.Unlock()

	notify(fns, session, true)
	return nil
}

func (s *SessionStore) WritePartial(ctx context.Context, id string, fields map[string]any) error {
	return s.Update(ctx, id, func(domain.Session) (map[string]any, bool) {
		return fields, true
	})
}

// Update runs fn and the merge under the store lock, so the snapshot fn sees
// cannot go stale before the write lands.
func (s *SessionStore) Update(_ context.Context, id string, fn engine.UpdateFunc) error {
	s.mu.Lock()
	raw, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.mu.Unlock()
		return err
	}
	fields, write := fn(session)
	if !write {
		s.mu.Unlock()
		return nil
	}
	merged, err := engine.ApplyFields(session, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	updated, err := json.Marshal(merged)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions[id] = updated
	fns := s.subscribersLocked(id)
	s.mu.Unlock()

	notify(fns, merged, true)
	return nil
}

func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	fns := s.subscribersLocked(id)
	s.mu.Unlock()

	notify(fns, domain.Session{}, false)
	return nil
}

func (s *SessionStore) List(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	raws := make([][]byte, 0, len(s.sessions))
	for _, raw := range s.sessions {
		raws = append(raws, raw)
	}
	s.mu.RUnlock()

	sessions := make([]domain.Session, 0, len(raws))
	for _, raw := range raws {
		var session domain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *SessionStore) Subscribe(ctx context.Context, id string, fn engine.SnapshotFunc) (func(), error) {
	s.mu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]engine.SnapshotFunc)
	}
	key := s.nextSub
	s.nextSub++
	s.subs[id][key] = fn
	s.mu.Unlock()

	// Initial snapshot, matching the push store's fire-on-attach behavior.
	if session, err := s.Read(ctx, id); err == nil {
		fn(session, true)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[id], key)
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

func (s *SessionStore) SetCode(_ context.Context, code, id string) error {
	s.mu.Lock()
	s.codes[code] = id
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) LookupCode(_ context.Context, code string) (string, error) {
	s.mu.RLock()
	id, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return "", domain.ErrSessionNotFound
	}
	return id, nil
}

func (s *SessionStore) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
	return nil
}

// subscribersLocked snapshots the callback set so notifications run without
// holding the store lock; a callback is free to call back into the store.
func (s *SessionStore) subscribersLocked(id string) []engine.SnapshotFunc {
	fns := make([]engine.SnapshotFunc, 0, len(s.subs[id]))
	for _, fn := range s.subs[id] {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []engine.SnapshotFunc, session domain.Session, ok bool) {
	for _, fn := range fns {
		fn(session, ok)
	}
}

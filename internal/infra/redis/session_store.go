package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/engine"
)

const (
	sessionKeyPrefix = "qs:session:"
	codeKeyPrefix    = "qs:code:"
	updatesPrefix    = "qs:updates:"

	// deletedPayload is the tombstone published when a session is removed.
	deletedPayload = "__deleted__"

	// writeRetries bounds the optimistic-concurrency retry loop. Contention
	// on one session document is a handful of clients at most.
	writeRetries = 5
)

// SessionStore implements engine.SessionStore on Redis. Each session is one
// JSON document under qs:session:{id}; partial writes are read-merge-write
// under WATCH so concurrent field merges never lose each other; every write
// publishes the fresh snapshot on qs:updates:{id}, which is what Subscribe
// listens to. Join codes are plain keys with the store TTL as a backstop
// against leaked entries.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Read(ctx context.Context, id string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, storeErr("read session", err)
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

func (s *SessionStore) WriteFull(ctx context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ID), raw, s.ttl).Err(); err != nil {
		return storeErr("write session", err)
	}
	if err := s.client.Publish(ctx, updatesChannel(session.ID), raw).Err(); err != nil {
		return storeErr("publish session", err)
	}
	return nil
}

func (s *SessionStore) WritePartial(ctx context.Context, id string, fields map[string]any) error {
	return s.Update(ctx, id, func(domain.Session) (map[string]any, bool) {
		return fields, true
	})
}

// Update runs fn inside the WATCH transaction, so the guard re-evaluates on
// every retry against whatever the competing writer left behind.
func (s *SessionStore) Update(ctx context.Context, id string, fn engine.UpdateFunc) error {
	key := sessionKey(id)
	var snapshot []byte

	txf := func(tx *redis.Tx) error {
		snapshot = nil
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var session domain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("decode session %s: %w", id, err)
		}
		fields, write := fn(session)
		if !write {
			return nil
		}
		merged, err := engine.ApplyFields(session, fields)
		if err != nil {
			return err
		}
		snapshot, err = json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, snapshot, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < writeRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // another writer got in first, re-run the guard on their result
		}
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		if err != nil {
			return storeErr("write session fields", err)
		}
		if snapshot == nil {
			return nil // guard declined the write
		}
		if err := s.client.Publish(ctx, updatesChannel(id), snapshot).Err(); err != nil {
			return storeErr("publish session", err)
		}
		return nil
	}
	return storeErr("write session fields", fmt.Errorf("too much contention on %s", id))
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return storeErr("delete session", err)
	}
	if err := s.client.Publish(ctx, updatesChannel(id), deletedPayload).Err(); err != nil {
		return storeErr("publish delete", err)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		var session domain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			continue // skip undecodable stragglers, sweep will age them out
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

func (s *SessionStore) Subscribe(ctx context.Context, id string, fn engine.SnapshotFunc) (func(), error) {
	sub := s.client.Subscribe(ctx, updatesChannel(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, storeErr("subscribe", err)
	}

	// Fire the current state on attach, like the document store's own
	// on-value semantics.
	if session, err := s.Read(ctx, id); err == nil {
		fn(session, true)
	} else if errors.Is(err, domain.ErrSessionNotFound) {
		fn(domain.Session{}, false)
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == deletedPayload {
					fn(domain.Session{}, false)
					continue
				}
				var session domain.Session
				if err := json.Unmarshal([]byte(msg.Payload), &session); err != nil {
					continue
				}
				fn(session, true)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return cancel, nil
}

func (s *SessionStore) SetCode(ctx context.Context, code, id string) error {
	if err := s.client.Set(ctx, codeKey(code), id, s.ttl).Err(); err != nil {
		return storeErr("write join code", err)
	}
	return nil
}

func (s *SessionStore) LookupCode(ctx context.Context, code string) (string, error) {
	id, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrSessionNotFound
	}
	if err != nil {
		return "", storeErr("lookup join code", err)
	}
	return id, nil
}

func (s *SessionStore) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, codeKey(code)).Err(); err != nil {
		return storeErr("delete join code", err)
	}
	return nil
}

func sessionKey(id string) string     { return sessionKeyPrefix + id }
func codeKey(code string) string      { return codeKeyPrefix + code }
func updatesChannel(id string) string { return updatesPrefix + id }

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

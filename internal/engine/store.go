package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"quiz-session-service/internal/domain"
)

// SessionStore abstracts the shared multi-reader/multi-writer document store
// plus the join-code lookup table. Single-document writes are atomic but two
// clients may race; the engine only issues idempotent target-state writes and
// per-participant subtree writes on top of this contract.
type SessionStore interface {
	Read(ctx context.Context, id string) (domain.Session, error)
	// WritePartial merges dotted-path fields into the stored document, e.g.
	// {"status": "countdown", "participants.u1.score": 38}. A nil value
	// deletes the node. See ApplyFields for the merge semantics.
	WritePartial(ctx context.Context, id string, fields map[string]any) error
	// Update reads the current document, hands it to fn, and merges the
	// returned fields in the same atomic step; fn returning ok=false leaves
	// the document untouched. Guards that must hold at write time (terminal
	// states, set-once timestamps) belong in fn, not on a caller's possibly
	// stale snapshot.
	Update(ctx context.Context, id string, fn UpdateFunc) error
	WriteFull(ctx context.Context, session domain.Session) error
	Delete(ctx context.Context, id string) error
	// List returns all live sessions; used by maintenance passes and lobby
	// listings, not by the per-session hot path.
	List(ctx context.Context) ([]domain.Session, error)
	// Subscribe invokes fn with a fresh snapshot after every observed write,
	// and with ok=false when the session is deleted. The returned func
	// cancels the subscription.
	Subscribe(ctx context.Context, id string, fn SnapshotFunc) (func(), error)

	SetCode(ctx context.Context, code, id string) error
	LookupCode(ctx context.Context, code string) (string, error)
	DeleteCode(ctx context.Context, code string) error
}

// SnapshotFunc receives pushed session snapshots.
type SnapshotFunc func(session domain.Session, ok bool)

// UpdateFunc inspects a fresh snapshot and returns the fields to merge, or
// ok=false to skip the write entirely.
type UpdateFunc func(session domain.Session) (fields map[string]any, ok bool)

// ApplyFields merges dotted-path fields into a session document and returns
// the result. Paths address JSON field names ("participants.u1.isReady");
// each addressed node is replaced wholesale, intermediate maps are created as
// needed, and a nil value removes the node. This mirrors the partial-update
// semantics of document stores and is shared by every SessionStore
// implementation so they stay behaviorally identical.
func ApplyFields(session domain.Session, fields map[string]any) (domain.Session, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("marshal session: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session doc: %w", err)
	}

	for path, value := range fields {
		if err := setPath(doc, path, value); err != nil {
			return domain.Session{}, err
		}
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return domain.Session{}, fmt.Errorf("marshal merged doc: %w", err)
	}
	var out domain.Session
	if err := json.Unmarshal(merged, &out); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal merged session: %w", err)
	}
	return out, nil
}

func setPath(doc map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok || child == nil {
			next := map[string]any{}
			node[part] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q crosses non-object field %q", path, part)
		}
		node = childMap
	}

	leaf := parts[len(parts)-1]
	if value == nil {
		delete(node, leaf)
		return nil
	}
	// Round-trip the value through JSON so struct values land as plain maps.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field %q: %w", path, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("unmarshal field %q: %w", path, err)
	}
	node[leaf] = normalized
	return nil
}

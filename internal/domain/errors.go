package domain

import "errors"

var (
	// ErrSessionNotFound is returned for an unknown join code or session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotJoinable is returned when a session is full, terminal, or already
	// started with late join disallowed.
	ErrNotJoinable = errors.New("session not joinable")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrAlreadyAnswered is returned on a duplicate submission for a question index.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrNotHost is returned when a non-host calls a host-only operation.
	ErrNotHost = errors.New("operation restricted to session host")
	// ErrStoreUnavailable wraps transient shared-store failures.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrQuizNotFound indicates the question-bank content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
)

package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"quiz-session-service/internal/domain"
)

// Config carries the engine's default timings. Per-session values live in the
// session document itself (domain.Rules) so every client derives the same
// deadlines from the shared state.
type Config struct {
	Countdown         time.Duration
	TimePerQuestion   time.Duration
	AnswerBudget      time.Duration
	Heartbeat         time.Duration
	LivenessThreshold time.Duration
	Retention         time.Duration
	LobbyMaxAge       time.Duration
}

// DefaultConfig matches the production tunings.
func DefaultConfig() Config {
	return Config{
		Countdown:         3 * time.Second,
		TimePerQuestion:   30 * time.Second,
		AnswerBudget:      30 * time.Second,
		Heartbeat:         5 * time.Second,
		LivenessThreshold: 10 * time.Second,
		Retention:         24 * time.Hour,
		LobbyMaxAge:       5 * time.Minute,
	}
}

// Engine orchestrates shared quiz sessions on top of a SessionStore. It runs
// identically inside every participant's client: all transition decisions are
// re-derived from a fresh read and written as idempotent target-state
// updates, so two engines racing to fire the same transition converge.
type Engine struct {
	store SessionStore
	clock clockwork.Clock
	cfg   Config
	log   zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a clock, used by tests for deterministic timers.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithConfig overrides the default timings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func New(store SessionStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		clock: clockwork.NewRealClock(),
		cfg:   DefaultConfig(),
		log:   zerolog.Nop(),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixMilli()
}

// CreateParams describes a new session. Rules should come from
// domain.BattleRules or domain.ClassroomRules, optionally tweaked; zero
// timing fields are filled from the engine defaults.
type CreateParams struct {
	HostID      string
	HostName    string
	AvatarColor string
	Title       string
	Subject     string
	Topic       string
	Difficulty  string
	Questions   []domain.Question
	Rules       domain.Rules
}

// Create builds a new session in the waiting state, registers the caller as
// host with isReady already set, and publishes the join-code lookup entry.
func (e *Engine) Create(ctx context.Context, p CreateParams) (domain.Session, error) {
	if len(p.Questions) == 0 {
		return domain.Session{}, fmt.Errorf("create session: no questions")
	}
	rules := e.normalizeRules(p.Rules)

	code, err := e.reserveCode(ctx)
	if err != nil {
		return domain.Session{}, err
	}

	now := e.now()
	session := domain.Session{
		ID:                   uuid.NewString(),
		JoinCode:             code,
		Title:                p.Title,
		Subject:              p.Subject,
		Topic:                p.Topic,
		Difficulty:           p.Difficulty,
		Rules:                rules,
		Status:               domain.StatusWaiting,
		Questions:            p.Questions,
		CurrentQuestionIndex: -1,
		HostID:               p.HostID,
		Participants: map[string]*domain.Participant{
			p.HostID: {
				ID:          p.HostID,
				DisplayName: p.HostName,
				AvatarColor: p.AvatarColor,
				Answers:     []domain.Answer{},
				IsReady:     true,
				IsConnected: true,
				LastSeenAt:  now,
				JoinedAt:    now,
			},
		},
		CreatedAt: now,
	}

	if err := e.store.WriteFull(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("write session: %w", err)
	}
	if err := e.store.SetCode(ctx, code, session.ID); err != nil {
		return domain.Session{}, fmt.Errorf("write join code: %w", err)
	}

	e.log.Info().Str("session_id", session.ID).Str("join_code", code).
		Str("topology", string(rules.Topology)).Msg("session created")
	return session, nil
}

func (e *Engine) normalizeRules(rules domain.Rules) domain.Rules {
	if rules.Topology == "" {
		rules = domain.BattleRules()
	}
	if rules.CountdownMs == 0 {
		rules.CountdownMs = e.cfg.Countdown.Milliseconds()
	}
	if rules.TimePerQuestion == 0 {
		rules.TimePerQuestion = e.cfg.TimePerQuestion.Milliseconds()
	}
	if rules.AnswerBudgetMs == 0 {
		rules.AnswerBudgetMs = e.cfg.AnswerBudget.Milliseconds()
	}
	return rules
}

// reserveCode picks a join code not currently mapped to a session. Collisions
// are vanishingly rare at this code-space size; the short retry loop is cheap.
func (e *Engine) reserveCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		e.mu.Lock()
		code := newJoinCode(e.rnd)
		e.mu.Unlock()

		_, err := e.store.LookupCode(ctx, code)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup join code: %w", err)
		}
	}
	return "", fmt.Errorf("could not reserve a join code")
}

// JoinParams identifies the joining participant.
type JoinParams struct {
	ParticipantID string
	DisplayName   string
	AvatarColor   string
}

// Join resolves a join code and adds the caller to the session. In the
// two-slot topology a successful join moves the session to ready; the open
// topology leaves status untouched and permits late join when configured.
func (e *Engine) Join(ctx context.Context, code string, p JoinParams) (domain.Session, error) {
	id, err := e.store.LookupCode(ctx, code)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := e.store.Read(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}

	if session.Status.Terminal() {
		return domain.Session{}, domain.ErrNotJoinable
	}

	now := e.now()
	var fields map[string]any
	if _, rejoining := session.Participants[p.ParticipantID]; rejoining {
		// Reconnect: refresh liveness only. Score, answers, cursor and
		// readiness are the participant's accumulated history and must
		// survive the new connection.
		prefix := "participants." + p.ParticipantID + "."
		fields = map[string]any{
			prefix + "isConnected": true,
			prefix + "lastSeenAt":  now,
		}
	} else {
		if session.Full() {
			return domain.Session{}, domain.ErrNotJoinable
		}
		if session.Status != domain.StatusWaiting && !session.Rules.AllowLateJoin {
			return domain.Session{}, domain.ErrNotJoinable
		}
		participant := domain.Participant{
			ID:          p.ParticipantID,
			DisplayName: p.DisplayName,
			AvatarColor: p.AvatarColor,
			Answers:     []domain.Answer{},
			IsConnected: true,
			LastSeenAt:  now,
			JoinedAt:    now,
		}
		fields = map[string]any{
			"participants." + p.ParticipantID: participant,
		}
		if session.Rules.MaxParticipants > 0 && len(session.Participants)+1 >= session.Rules.MaxParticipants &&
			session.Status == domain.StatusWaiting {
			fields["status"] = domain.StatusReady
		}
	}
	if err := e.store.WritePartial(ctx, id, fields); err != nil {
		return domain.Session{}, fmt.Errorf("join session: %w", err)
	}

	e.log.Info().Str("session_id", id).Str("participant_id", p.ParticipantID).Msg("participant joined")
	return e.store.Read(ctx, id)
}

// MarkReady flags the participant as ready, then re-reads the session and,
// if it observes every required participant ready, fires the countdown.
// Every ready-marking client performs this check, so the transition fires
// regardless of delivery order; racing duplicates write the same target
// state and converge.
func (e *Engine) MarkReady(ctx context.Context, sessionID, participantID string) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := session.Participants[participantID]; !ok {
		return domain.ErrParticipantNotFound
	}

	err = e.store.WritePartial(ctx, sessionID, map[string]any{
		"participants." + participantID + ".isReady":    true,
		"participants." + participantID + ".lastSeenAt": e.now(),
	})
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	session, err = e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == domain.StatusReady && session.AllReady() {
		if err := e.beginCountdown(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

// Start is the host's explicit go signal for topologies without a ready gate
// (a teacher starting a classroom run). It moves the session into countdown.
func (e *Engine) Start(ctx context.Context, sessionID, hostID string) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.HostID != hostID {
		return domain.ErrNotHost
	}
	if session.Status != domain.StatusWaiting && session.Status != domain.StatusReady {
		return fmt.Errorf("start session: status %s", session.Status)
	}
	return e.beginCountdown(ctx, session)
}

func (e *Engine) beginCountdown(ctx context.Context, session domain.Session) error {
	now := e.now()
	started := false
	err := e.store.Update(ctx, session.ID, func(cur domain.Session) (map[string]any, bool) {
		started = false
		// Another client may have stamped countdownStart since the caller's
		// snapshot; the guard runs against the document being written.
		if cur.Status != domain.StatusWaiting && cur.Status != domain.StatusReady {
			return nil, false
		}
		started = true
		return map[string]any{
			"status":         domain.StatusCountdown,
			"countdownStart": now,
		}, true
	})
	if err != nil {
		return fmt.Errorf("begin countdown: %w", err)
	}
	if started {
		e.log.Info().Str("session_id", session.ID).Msg("countdown started")
	}

	// Watch whatever countdown is now in the document, ours or a racer's.
	session, err = e.store.Read(ctx, session.ID)
	if err != nil {
		return err
	}
	e.WatchCountdown(ctx, session)
	return nil
}

// WatchCountdown schedules a countdown-to-start promotion for a session
// observed in the countdown state. Any client may call this on any snapshot;
// the promotion itself is guarded, so duplicate watchers are harmless.
func (e *Engine) WatchCountdown(ctx context.Context, session domain.Session) {
	if session.Status != domain.StatusCountdown {
		return
	}
	deadline := session.CountdownStart + session.Rules.CountdownMs
	wait := time.Duration(deadline-e.now()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}

	go func() {
		timer := e.clock.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		if err := e.PromoteCountdown(ctx, session.ID); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Debug().Err(err).Str("session_id", session.ID).Msg("countdown promotion failed")
		}
	}()
}

// PromoteCountdown performs countdown → in_progress once the countdown has
// elapsed. Safe to fire redundantly: a session no longer in countdown, or one
// whose deadline has not passed, is left untouched.
func (e *Engine) PromoteCountdown(ctx context.Context, sessionID string) error {
	now := e.now()
	promoted := false
	err := e.store.Update(ctx, sessionID, func(cur domain.Session) (map[string]any, bool) {
		promoted = false
		if cur.Status != domain.StatusCountdown {
			return nil, false
		}
		if now-cur.CountdownStart < cur.Rules.CountdownMs {
			return nil, false
		}
		promoted = true
		return map[string]any{
			"status":               domain.StatusInProgress,
			"startedAt":            now,
			"currentQuestionIndex": 0,
			"questionStartTime":    now,
		}, true
	})
	if err != nil {
		return fmt.Errorf("promote countdown: %w", err)
	}
	if promoted {
		e.log.Info().Str("session_id", sessionID).Msg("session in progress")
	}
	return nil
}

// AdvanceQuestion moves a host-paced session to the next question, or to
// completed when the last question has been shown. Host only.
func (e *Engine) AdvanceQuestion(ctx context.Context, sessionID, hostID string) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.HostID != hostID {
		return domain.ErrNotHost
	}
	if session.Status != domain.StatusInProgress && session.Status != domain.StatusReviewing {
		return fmt.Errorf("advance question: status %s", session.Status)
	}

	next := session.CurrentQuestionIndex + 1
	if next >= len(session.Questions) {
		return e.complete(ctx, session, "")
	}

	err = e.store.WritePartial(ctx, sessionID, map[string]any{
		"status":               domain.StatusInProgress,
		"currentQuestionIndex": next,
		"questionStartTime":    e.now(),
	})
	if err != nil {
		return fmt.Errorf("advance question: %w", err)
	}
	return nil
}

// TogglePause flips a host-paced session between in_progress and paused.
func (e *Engine) TogglePause(ctx context.Context, sessionID, hostID string) error {
	return e.toggle(ctx, sessionID, hostID, domain.StatusPaused)
}

// ToggleReview flips a host-paced session between in_progress and reviewing,
// the answer-walkthrough window between questions.
func (e *Engine) ToggleReview(ctx context.Context, sessionID, hostID string) error {
	return e.toggle(ctx, sessionID, hostID, domain.StatusReviewing)
}

func (e *Engine) toggle(ctx context.Context, sessionID, hostID string, alt domain.Status) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.HostID != hostID {
		return domain.ErrNotHost
	}
	var target domain.Status
	switch session.Status {
	case domain.StatusInProgress:
		target = alt
	case alt:
		target = domain.StatusInProgress
	default:
		return fmt.Errorf("toggle %s: status %s", alt, session.Status)
	}
	if err := e.store.WritePartial(ctx, sessionID, map[string]any{"status": target}); err != nil {
		return fmt.Errorf("toggle %s: %w", alt, err)
	}
	return nil
}

// SubmitAnswer appends the answer to the participant's own subtree, awards
// points for correct answers, advances the participant's cursor, then
// re-reads the session and evaluates completion for self-paced topologies.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, participantID string, questionIndex int, correct bool, elapsedMs int64) (domain.Session, error) {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	participant, ok := session.Participants[participantID]
	if !ok {
		return domain.Session{}, domain.ErrParticipantNotFound
	}
	if session.Status != domain.StatusInProgress {
		return domain.Session{}, fmt.Errorf("submit answer: status %s", session.Status)
	}
	if questionIndex < 0 || questionIndex >= len(session.Questions) {
		return domain.Session{}, fmt.Errorf("submit answer: question index %d out of range", questionIndex)
	}
	for _, a := range participant.Answers {
		if a.QuestionIndex == questionIndex {
			return domain.Session{}, domain.ErrAlreadyAnswered
		}
	}

	answers := append(append([]domain.Answer{}, participant.Answers...), domain.Answer{
		QuestionIndex: questionIndex,
		Correct:       correct,
		ElapsedMs:     elapsedMs,
	})
	score := participant.Score + AwardPoints(correct, elapsedMs, session.Rules.AnswerBudgetMs)

	prefix := "participants." + participantID + "."
	err = e.store.WritePartial(ctx, sessionID, map[string]any{
		prefix + "answers":    answers,
		prefix + "score":      score,
		prefix + "cursor":     questionIndex + 1,
		prefix + "lastSeenAt": e.now(),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("submit answer: %w", err)
	}

	session, err = e.store.Read(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !session.Rules.HostPaced {
		if err := e.maybeCompleteSelfPaced(ctx, session); err != nil {
			return domain.Session{}, err
		}
		session, err = e.store.Read(ctx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
	}
	return session, nil
}

// maybeCompleteSelfPaced performs in_progress → completed once every required
// participant's cursor has reached the end of the question sequence. Any
// client that observes this after its own submission fires the transition;
// the winner is a pure function of the final state, so racing clients write
// identical target state.
func (e *Engine) maybeCompleteSelfPaced(ctx context.Context, session domain.Session) error {
	if session.Status != domain.StatusInProgress {
		return nil
	}
	if session.Rules.MaxParticipants > 0 && len(session.Participants) < session.Rules.MaxParticipants {
		return nil
	}
	for _, p := range session.Participants {
		if p.Cursor < len(session.Questions) {
			return nil
		}
	}
	winnerID, _ := DeriveWinner(session)
	return e.complete(ctx, session, winnerID)
}

func (e *Engine) complete(ctx context.Context, session domain.Session, winnerID string) error {
	now := e.now()
	completed := false
	err := e.store.Update(ctx, session.ID, func(cur domain.Session) (map[string]any, bool) {
		completed = false
		// completedAt is set-once: a racer whose snapshot predated the first
		// completion must find the terminal state here and back off.
		if cur.Status.Terminal() {
			return nil, false
		}
		completed = true
		fields := map[string]any{
			"status":      domain.StatusCompleted,
			"completedAt": now,
		}
		if winnerID != "" {
			fields["winnerId"] = winnerID
		}
		return fields, true
	})
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if !completed {
		return nil
	}
	if err := e.store.DeleteCode(ctx, session.JoinCode); err != nil {
		e.log.Debug().Err(err).Str("session_id", session.ID).Msg("join code cleanup failed")
	}
	e.log.Info().Str("session_id", session.ID).Str("winner_id", winnerID).Msg("session completed")
	return nil
}

// Leave removes the caller from the session per the lifecycle rules: the
// host abandoning an unstarted session cancels it, a challenger leaving a
// ready two-slot session regresses it to waiting, and leaving mid-run either
// forfeits (self-paced) or just marks the participant disconnected
// (host-paced, session continues).
func (e *Engine) Leave(ctx context.Context, sessionID, participantID string) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := session.Participants[participantID]; !ok {
		return domain.ErrParticipantNotFound
	}
	isHost := session.HostID == participantID

	switch {
	case session.Status.Terminal():
		return nil

	case isHost && (session.Status == domain.StatusWaiting || session.Status == domain.StatusReady):
		if err := e.store.WritePartial(ctx, sessionID, map[string]any{"status": domain.StatusCancelled}); err != nil {
			return fmt.Errorf("cancel session: %w", err)
		}
		if err := e.store.DeleteCode(ctx, session.JoinCode); err != nil {
			e.log.Debug().Err(err).Str("session_id", sessionID).Msg("join code cleanup failed")
		}
		e.log.Info().Str("session_id", sessionID).Msg("session cancelled by host")
		return nil

	case !isHost && session.Status == domain.StatusReady && session.Rules.MaxParticipants == 2:
		// Challenger backed out before the start: clear the slot, reopen.
		err := e.store.WritePartial(ctx, sessionID, map[string]any{
			"participants." + participantID: nil,
			"status":                        domain.StatusWaiting,
		})
		if err != nil {
			return fmt.Errorf("clear challenger: %w", err)
		}
		return nil

	case session.Status == domain.StatusInProgress && !session.Rules.HostPaced:
		var opponent string
		for id := range session.Participants {
			if id != participantID {
				opponent = id
				break
			}
		}
		return e.complete(ctx, session, opponent)

	default:
		return e.MarkDisconnected(ctx, sessionID, participantID)
	}
}

// End is the host's explicit terminate signal (a teacher closing a classroom
// run). The session completes with whatever state participants reached.
func (e *Engine) End(ctx context.Context, sessionID, hostID string) error {
	session, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.HostID != hostID {
		return domain.ErrNotHost
	}
	return e.complete(ctx, session, "")
}

// Subscribe delivers a snapshot to fn after every observed write.
func (e *Engine) Subscribe(ctx context.Context, sessionID string, fn SnapshotFunc) (func(), error) {
	return e.store.Subscribe(ctx, sessionID, fn)
}

// Get reads the current session snapshot once.
func (e *Engine) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	return e.store.Read(ctx, sessionID)
}

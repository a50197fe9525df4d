package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/engine"
)

// QuizRepository resolves question-bank content for create-by-quiz-id.
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// WSHandler bridges browser clients onto the session engine: one websocket
// connection per participant, JSON envelopes in both directions, session
// snapshots pushed on every store update.
type WSHandler struct {
	engine   *engine.Engine
	quizzes  QuizRepository
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(eng *engine.Engine, quizzes QuizRepository, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		engine:  eng,
		quizzes: quizzes,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type createPayload struct {
	Topology   domain.Topology   `json:"topology"`
	Title      string            `json:"title"`
	Subject    string            `json:"subject"`
	Topic      string            `json:"topic"`
	Difficulty string            `json:"difficulty"`
	QuizID     string            `json:"quizId"`
	Questions  []domain.Question `json:"questions"`
}

type joinPayload struct {
	Code string `json:"code"`
}

type answerPayload struct {
	QuestionIndex int   `json:"questionIndex"`
	Correct       bool  `json:"correct"`
	ElapsedMs     int64 `json:"elapsedMs"`
}

type answerResult struct {
	QuestionIndex int  `json:"questionIndex"`
	Correct       bool `json:"correct"`
	Awarded       int  `json:"awarded"`
	TotalScore    int  `json:"totalScore"`
}

// openSessionEntry is the lobby-picker view of a waiting session: enough to
// render the list and join, without the question content.
type openSessionEntry struct {
	JoinCode   string `json:"joinCode"`
	Subject    string `json:"subject"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	HostName   string `json:"hostName"`
	CreatedAt  int64  `json:"createdAt"`
}

func openSessionsPayload(sessions []domain.Session) []openSessionEntry {
	entries := make([]openSessionEntry, 0, len(sessions))
	for _, s := range sessions {
		entry := openSessionEntry{
			JoinCode:   s.JoinCode,
			Subject:    s.Subject,
			Topic:      s.Topic,
			Difficulty: s.Difficulty,
			CreatedAt:  s.CreatedAt,
		}
		if host := s.Host(); host != nil {
			entry.HostName = host.DisplayName
		}
		entries = append(entries, entry)
	}
	return entries
}

// conn tracks one participant's attachment to a session for the lifetime of
// a websocket connection.
type wsSession struct {
	sessionID      string
	unsubscribe    func()
	presenceCancel context.CancelFunc
}

// ServeWS upgrades the request and runs the message loop. Identity comes
// from query parameters; the UI layer owns authentication, this handler
// trusts what it is given.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("playerId")
	name := r.URL.Query().Get("name")
	color := r.URL.Query().Get("color")
	if playerID == "" || name == "" {
		http.Error(w, "missing playerId or name", http.StatusBadRequest)
		return
	}
	// Participant ids become field paths inside the session document, where
	// dots separate path segments.
	if strings.Contains(playerID, ".") {
		http.Error(w, "invalid playerId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	// push delivers store snapshots onto the socket without blocking the
	// store's notifier goroutine past connection close.
	push := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-closeSignals:
		}
	}

	var attached wsSession
	detach := func() {
		if attached.unsubscribe != nil {
			attached.unsubscribe()
		}
		if attached.presenceCancel != nil {
			attached.presenceCancel()
		}
		attached = wsSession{}
	}
	defer detach()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}

		switch inbound.Type {
		case "create":
			var payload createPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid create payload"}})
				continue
			}
			session, err := h.create(ctx, playerID, name, color, payload)
			if err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			if err := h.attach(ctx, &attached, session.ID, playerID, push); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			push(outboundMessage{Type: "created", Payload: session})

		case "join":
			var payload joinPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid join payload"}})
				continue
			}
			session, err := h.engine.Join(ctx, payload.Code, engine.JoinParams{
				ParticipantID: playerID,
				DisplayName:   name,
				AvatarColor:   color,
			})
			if err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			if err := h.attach(ctx, &attached, session.ID, playerID, push); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			push(outboundMessage{Type: "joined", Payload: session})

		case "ready":
			h.relayErr(push, h.engine.MarkReady(ctx, attached.sessionID, playerID))
		case "start":
			h.relayErr(push, h.engine.Start(ctx, attached.sessionID, playerID))
		case "advance":
			h.relayErr(push, h.engine.AdvanceQuestion(ctx, attached.sessionID, playerID))
		case "pause":
			h.relayErr(push, h.engine.TogglePause(ctx, attached.sessionID, playerID))
		case "review":
			h.relayErr(push, h.engine.ToggleReview(ctx, attached.sessionID, playerID))
		case "end":
			h.relayErr(push, h.engine.End(ctx, attached.sessionID, playerID))

		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			before, err := h.engine.Get(ctx, attached.sessionID)
			if err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			session, err := h.engine.SubmitAnswer(ctx, attached.sessionID, playerID, payload.QuestionIndex, payload.Correct, payload.ElapsedMs)
			if err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			awarded := engine.AwardPoints(payload.Correct, payload.ElapsedMs, before.Rules.AnswerBudgetMs)
			total := 0
			if p, ok := session.Participants[playerID]; ok {
				total = p.Score
			}
			push(outboundMessage{Type: "answerResult", Payload: answerResult{
				QuestionIndex: payload.QuestionIndex,
				Correct:       payload.Correct,
				Awarded:       awarded,
				TotalScore:    total,
			}})

		case "openSessions":
			sessions, err := h.engine.FindOpenSessions(ctx)
			if err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			push(outboundMessage{Type: "openSessions", Payload: openSessionsPayload(sessions)})

		case "leave":
			if attached.sessionID != "" {
				h.relayErr(push, h.engine.Leave(ctx, attached.sessionID, playerID))
				detach()
			}

		default:
			push(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}

	close(closeSignals)
	close(send)
	<-writerDone
}

func (h *WSHandler) create(ctx context.Context, playerID, name, color string, payload createPayload) (domain.Session, error) {
	questions := payload.Questions
	if len(questions) == 0 && payload.QuizID != "" {
		quiz, err := h.quizzes.GetQuiz(ctx, payload.QuizID)
		if err != nil {
			return domain.Session{}, err
		}
		questions = quiz.Questions
		if payload.Subject == "" {
			payload.Subject = quiz.Subject
		}
		if payload.Topic == "" {
			payload.Topic = quiz.Topic
		}
		if payload.Difficulty == "" {
			payload.Difficulty = quiz.Difficulty
		}
	}

	rules := domain.BattleRules()
	if payload.Topology == domain.TopologyClassroom {
		rules = domain.ClassroomRules()
	}

	return h.engine.Create(ctx, engine.CreateParams{
		HostID:      playerID,
		HostName:    name,
		AvatarColor: color,
		Title:       payload.Title,
		Subject:     payload.Subject,
		Topic:       payload.Topic,
		Difficulty:  payload.Difficulty,
		Questions:   questions,
		Rules:       rules,
	})
}

// attach subscribes the connection to session snapshots and starts the
// presence heartbeat. Each pushed snapshot is also handed to WatchCountdown
// so whichever client is still listening drives the countdown promotion.
func (h *WSHandler) attach(ctx context.Context, attached *wsSession, sessionID, playerID string, push func(outboundMessage)) error {
	if attached.unsubscribe != nil {
		attached.unsubscribe()
	}
	if attached.presenceCancel != nil {
		attached.presenceCancel()
	}

	unsubscribe, err := h.engine.Subscribe(ctx, sessionID, func(session domain.Session, ok bool) {
		if !ok {
			push(outboundMessage{Type: "sessionGone"})
			return
		}
		h.engine.WatchCountdown(ctx, session)
		push(outboundMessage{Type: "session", Payload: session})
		if session.Status == domain.StatusCompleted {
			push(outboundMessage{Type: "results", Payload: engine.Results(session)})
		}
	})
	if err != nil {
		return err
	}

	presenceCtx, presenceCancel := context.WithCancel(ctx)
	go h.engine.RunPresence(presenceCtx, sessionID, playerID)

	attached.sessionID = sessionID
	attached.unsubscribe = unsubscribe
	attached.presenceCancel = presenceCancel
	return nil
}

func (h *WSHandler) relayErr(push func(outboundMessage), err error) {
	if err != nil {
		push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
	}
}

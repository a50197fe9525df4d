package domain

// Status enumerates the lifecycle states of a shared session.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusReady      Status = "ready"
	StatusCountdown  Status = "countdown"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Topology selects the participant shape and pacing rules of a session.
type Topology string

const (
	// TopologyBattle is the two-player head-to-head shape: fixed host and
	// challenger slots, self-paced answering, derived completion.
	TopologyBattle Topology = "battle"
	// TopologyClassroom is the one-teacher-many-students shape: open
	// participant map, host-paced question advancement, late join allowed.
	TopologyClassroom Topology = "classroom"
)

// Rules parameterize a session's topology. All timing fields are
// milliseconds so the document round-trips cleanly through JSON for
// browser clients.
type Rules struct {
	Topology        Topology `json:"topology"`
	MaxParticipants int      `json:"maxParticipants"` // 0 = unbounded
	HostPaced       bool     `json:"hostPaced"`
	AllowLateJoin   bool     `json:"allowLateJoin"`
	CountdownMs     int64    `json:"countdownMs"`
	TimePerQuestion int64    `json:"timePerQuestionMs"`
	AnswerBudgetMs  int64    `json:"answerBudgetMs"`
}

// BattleRules returns the two-player configuration. Timing fields are left
// zero; the engine stamps its configured defaults into the session document
// at creation so every client reads the same values.
func BattleRules() Rules {
	return Rules{
		Topology:        TopologyBattle,
		MaxParticipants: 2,
		HostPaced:       false,
		AllowLateJoin:   false,
	}
}

// ClassroomRules returns the teacher-paced configuration.
func ClassroomRules() Rules {
	return Rules{
		Topology:        TopologyClassroom,
		MaxParticipants: 0,
		HostPaced:       true,
		AllowLateJoin:   true,
	}
}

// Question is one entry of a session's fixed question sequence.
type Question struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

// Quiz is loadable question-bank content.
type Quiz struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Topic      string     `json:"topic"`
	Difficulty string     `json:"difficulty"`
	Questions  []Question `json:"questions"`
}

// Answer is one append-only entry of a participant's answer log.
type Answer struct {
	QuestionIndex int   `json:"questionIndex"`
	Correct       bool  `json:"correct"`
	ElapsedMs     int64 `json:"elapsedMs"`
}

// Participant is one player's state within a session. Score, Cursor,
// Answers and the liveness fields are only ever written by the owning
// participant's client.
type Participant struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	AvatarColor string   `json:"avatarColor"`
	Score       int      `json:"score"`
	Cursor      int      `json:"cursor"` // questions answered so far
	Answers     []Answer `json:"answers"`
	IsReady     bool     `json:"isReady"`
	IsConnected bool     `json:"isConnected"`
	LastSeenAt  int64    `json:"lastSeenAt"`
	JoinedAt    int64    `json:"joinedAt"`
}

// Session is the shared document representing one battle or classroom run.
// Timestamps are Unix milliseconds; zero means not yet set.
type Session struct {
	ID                   string                  `json:"id"`
	JoinCode             string                  `json:"joinCode"`
	Title                string                  `json:"title,omitempty"`
	Subject              string                  `json:"subject"`
	Topic                string                  `json:"topic"`
	Difficulty           string                  `json:"difficulty"`
	Rules                Rules                   `json:"rules"`
	Status               Status                  `json:"status"`
	Questions            []Question              `json:"questions"`
	CurrentQuestionIndex int                     `json:"currentQuestionIndex"` // -1 until started
	QuestionStartTime    int64                   `json:"questionStartTime,omitempty"`
	HostID               string                  `json:"hostId"`
	Participants         map[string]*Participant `json:"participants"`
	WinnerID             string                  `json:"winnerId,omitempty"`
	CreatedAt            int64                   `json:"createdAt"`
	CountdownStart       int64                   `json:"countdownStart,omitempty"`
	StartedAt            int64                   `json:"startedAt,omitempty"`
	CompletedAt          int64                   `json:"completedAt,omitempty"`
}

// Host returns the host participant, or nil if absent.
func (s *Session) Host() *Participant {
	return s.Participants[s.HostID]
}

// Challenger returns the non-host participant of a two-slot session, or nil.
func (s *Session) Challenger() *Participant {
	for id, p := range s.Participants {
		if id != s.HostID {
			return p
		}
	}
	return nil
}

// Full reports whether the session has no free participant slot.
func (s *Session) Full() bool {
	return s.Rules.MaxParticipants > 0 && len(s.Participants) >= s.Rules.MaxParticipants
}

// AllReady reports whether every required slot is filled and ready.
func (s *Session) AllReady() bool {
	if s.Rules.MaxParticipants > 0 && len(s.Participants) < s.Rules.MaxParticipants {
		return false
	}
	for _, p := range s.Participants {
		if !p.IsReady {
			return false
		}
	}
	return len(s.Participants) > 0
}

// LeaderboardEntry is a snapshot-friendly ranked view of a participant.
type LeaderboardEntry struct {
	ParticipantID  string `json:"participantId"`
	DisplayName    string `json:"displayName"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	AverageMs      int64  `json:"averageMs"`
	Rank           int    `json:"rank"`
}

// SessionResults is the final ranked outcome of a completed session.
type SessionResults struct {
	SessionID      string             `json:"sessionId"`
	Title          string             `json:"title,omitempty"`
	Subject        string             `json:"subject"`
	Topic          string             `json:"topic"`
	TotalQuestions int                `json:"totalQuestions"`
	CompletedAt    int64              `json:"completedAt"`
	WinnerID       string             `json:"winnerId,omitempty"`
	Entries        []LeaderboardEntry `json:"entries"`
}

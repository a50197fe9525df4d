package engine_test

import (
	"testing"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/engine"
)

func TestAwardPoints(t *testing.T) {
	cases := []struct {
		name      string
		correct   bool
		elapsedMs int64
		budgetMs  int64
		want      int
	}{
		{"incorrect earns nothing", false, 1000, 30000, 0},
		{"instant answer", true, 0, 30000, 40},
		{"two seconds in", true, 2000, 30000, 38},
		{"sub-second remainder truncates", true, 2500, 30000, 37},
		{"last full second", true, 29000, 30000, 11},
		{"budget exactly spent", true, 30000, 30000, 10},
		{"over budget still earns base", true, 45000, 30000, 10},
		{"tight budget", true, 3000, 10000, 17},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.AwardPoints(tc.correct, tc.elapsedMs, tc.budgetMs); got != tc.want {
				t.Fatalf("AwardPoints(%v, %d, %d) = %d, want %d", tc.correct, tc.elapsedMs, tc.budgetMs, got, tc.want)
			}
		})
	}
}

func TestRecomputeScore(t *testing.T) {
	p := domain.Participant{
		ID: "p1",
		Answers: []domain.Answer{
			{QuestionIndex: 0, Correct: true, ElapsedMs: 2000},
			{QuestionIndex: 1, Correct: false, ElapsedMs: 9000},
			{QuestionIndex: 2, Correct: true, ElapsedMs: 10000},
		},
	}
	if got := engine.RecomputeScore(p, 30000); got != 68 {
		t.Fatalf("RecomputeScore = %d, want 68", got)
	}
	if got := engine.RecomputeScore(domain.Participant{}, 30000); got != 0 {
		t.Fatalf("empty log should recompute to 0, got %d", got)
	}
}

func TestRemainingMs(t *testing.T) {
	session := domain.Session{
		Rules:             domain.Rules{TimePerQuestion: 30000},
		QuestionStartTime: 100000,
	}
	if got := engine.RemainingMs(session, 110000); got != 20000 {
		t.Fatalf("RemainingMs = %d, want 20000", got)
	}
	if got := engine.RemainingMs(session, 200000); got != 0 {
		t.Fatalf("expired question should clamp to 0, got %d", got)
	}
	session.QuestionStartTime = 0
	if got := engine.RemainingMs(session, 110000); got != 30000 {
		t.Fatalf("unstarted question should show the full budget, got %d", got)
	}
}

func winnerSession(parts ...domain.Participant) domain.Session {
	m := make(map[string]*domain.Participant, len(parts))
	for i := range parts {
		m[parts[i].ID] = &parts[i]
	}
	return domain.Session{Participants: m}
}

func TestDeriveWinner(t *testing.T) {
	t.Run("higher score wins", func(t *testing.T) {
		s := winnerSession(
			domain.Participant{ID: "a", Score: 40},
			domain.Participant{ID: "b", Score: 55},
		)
		if id, ok := engine.DeriveWinner(s); !ok || id != "b" {
			t.Fatalf("got %q %v", id, ok)
		}
	})
	t.Run("equal score falls back to total time", func(t *testing.T) {
		s := winnerSession(
			domain.Participant{ID: "a", Score: 40, Answers: []domain.Answer{{ElapsedMs: 9000}}},
			domain.Participant{ID: "b", Score: 40, Answers: []domain.Answer{{ElapsedMs: 4000}}},
		)
		if id, _ := engine.DeriveWinner(s); id != "b" {
			t.Fatalf("expected faster participant, got %q", id)
		}
	})
	t.Run("full tie falls back to smaller id", func(t *testing.T) {
		s := winnerSession(
			domain.Participant{ID: "zed", Score: 40, Answers: []domain.Answer{{ElapsedMs: 4000}}},
			domain.Participant{ID: "amy", Score: 40, Answers: []domain.Answer{{ElapsedMs: 4000}}},
		)
		if id, _ := engine.DeriveWinner(s); id != "amy" {
			t.Fatalf("expected deterministic id tie-break, got %q", id)
		}
	})
	t.Run("empty session has no winner", func(t *testing.T) {
		if _, ok := engine.DeriveWinner(domain.Session{}); ok {
			t.Fatalf("expected no winner")
		}
	})
}

func TestLeaderboardOrdering(t *testing.T) {
	s := winnerSession(
		domain.Participant{ID: "slow", DisplayName: "Slow", Score: 20, Answers: []domain.Answer{
			{Correct: true, ElapsedMs: 20000}, {Correct: true, ElapsedMs: 20000},
		}},
		domain.Participant{ID: "fast", DisplayName: "Fast", Score: 20, Answers: []domain.Answer{
			{Correct: true, ElapsedMs: 3000}, {Correct: false, ElapsedMs: 3000},
		}},
		domain.Participant{ID: "top", DisplayName: "Top", Score: 90, Answers: []domain.Answer{
			{Correct: true, ElapsedMs: 1000},
		}},
		domain.Participant{ID: "idle", DisplayName: "Idle", Score: 20},
	)

	lb := engine.Leaderboard(s)
	order := []string{"top", "fast", "slow", "idle"}
	for i, want := range order {
		if lb[i].ParticipantID != want {
			t.Fatalf("rank %d: got %s, want %s", i+1, lb[i].ParticipantID, want)
		}
		if lb[i].Rank != i+1 {
			t.Fatalf("rank field %d, want %d", lb[i].Rank, i+1)
		}
	}
	if lb[0].CorrectAnswers != 1 || lb[0].AverageMs != 1000 {
		t.Fatalf("unexpected top entry %+v", lb[0])
	}
	if lb[3].AverageMs != 0 {
		t.Fatalf("answerless participant should report zero average, got %d", lb[3].AverageMs)
	}
}

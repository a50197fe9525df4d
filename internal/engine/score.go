package engine

import (
	"sort"

	"quiz-session-service/internal/domain"
)

// basePoints is awarded for any correct answer; the speed bonus adds one
// point per full second left of the answer budget.
const basePoints = 10

// AwardPoints computes the points for a single answer.
func AwardPoints(correct bool, elapsedMs, budgetMs int64) int {
	if !correct {
		return 0
	}
	bonus := (budgetMs - elapsedMs) / 1000
	if bonus < 0 {
		bonus = 0
	}
	return basePoints + int(bonus)
}

// RecomputeScore derives a participant's score from their answer log alone.
// It must always agree with the incrementally maintained Score field.
func RecomputeScore(p domain.Participant, budgetMs int64) int {
	total := 0
	for _, a := range p.Answers {
		total += AwardPoints(a.Correct, a.ElapsedMs, budgetMs)
	}
	return total
}

// TotalElapsedMs sums a participant's answer times.
func TotalElapsedMs(p domain.Participant) int64 {
	var total int64
	for _, a := range p.Answers {
		total += a.ElapsedMs
	}
	return total
}

// RemainingMs derives the time left on the current question from the shared
// questionStartTime. Every client computes this locally; it is display
// guidance, not an authoritative cross-client deadline.
func RemainingMs(session domain.Session, nowMs int64) int64 {
	if session.QuestionStartTime == 0 {
		return session.Rules.TimePerQuestion
	}
	remaining := session.Rules.TimePerQuestion - (nowMs - session.QuestionStartTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DeriveWinner ranks participants by score, then by lower total answer time,
// then by lexicographically smaller participant id as the deterministic
// tie-break of last resort. Re-running it on a stored completed session
// always reproduces the same winner.
func DeriveWinner(session domain.Session) (string, bool) {
	ids := make([]string, 0, len(session.Participants))
	for id := range session.Participants {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := session.Participants[ids[i]], session.Participants[ids[j]]
		if pi.Score != pj.Score {
			return pi.Score > pj.Score
		}
		ti, tj := TotalElapsedMs(*pi), TotalElapsedMs(*pj)
		if ti != tj {
			return ti < tj
		}
		return ids[i] < ids[j]
	})
	return ids[0], true
}

// Leaderboard ranks all participants by score descending, tie-broken by mean
// answer time ascending, then by id. Recomputed on demand, never stored.
func Leaderboard(session domain.Session) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(session.Participants))
	// Participants with no answers sort as slowest possible so they rank
	// below anyone who actually answered at the same score.
	sortAvg := make(map[string]int64, len(session.Participants))
	for _, p := range session.Participants {
		correct := 0
		for _, a := range p.Answers {
			if a.Correct {
				correct++
			}
		}
		var avg int64
		if len(p.Answers) > 0 {
			avg = TotalElapsedMs(*p) / int64(len(p.Answers))
			sortAvg[p.ID] = avg
		} else {
			sortAvg[p.ID] = int64(1) << 62
		}
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID:  p.ID,
			DisplayName:    p.DisplayName,
			Score:          p.Score,
			CorrectAnswers: correct,
			AverageMs:      avg,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		ai, aj := sortAvg[entries[i].ParticipantID], sortAvg[entries[j].ParticipantID]
		if ai != aj {
			return ai < aj
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// Results assembles the final ranked outcome of a session.
func Results(session domain.Session) domain.SessionResults {
	return domain.SessionResults{
		SessionID:      session.ID,
		Title:          session.Title,
		Subject:        session.Subject,
		Topic:          session.Topic,
		TotalQuestions: len(session.Questions),
		CompletedAt:    session.CompletedAt,
		WinnerID:       session.WinnerID,
		Entries:        Leaderboard(session),
	}
}

package redis_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
	redisinfra "quiz-session-service/internal/infra/redis"
)

type countingLoader struct {
	loads   atomic.Int64
	quizzes map[string]domain.Quiz
}

func (l *countingLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	l.loads.Add(1)
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:      "maths-1",
		Subject: "Maths",
		Topic:   "Fractions",
		Questions: []domain.Question{
			{Prompt: "1/2 + 1/4", Options: []string{"3/4", "2/6", "1/8", "2/4"}, CorrectIndex: 0},
		},
	}
}

func TestQuizCacheFillAndHit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	loader := &countingLoader{quizzes: map[string]domain.Quiz{"maths-1": sampleQuiz()}}
	repo := redisinfra.NewQuizRepository(client, loader, time.Minute)
	ctx := context.Background()

	quiz, err := repo.GetQuiz(ctx, "maths-1")
	if err != nil || quiz.Topic != "Fractions" {
		t.Fatalf("get quiz = %+v, %v", quiz, err)
	}

	// A second repository over the same Redis sees the cached entry, the way
	// two service instances share the cache.
	other := redisinfra.NewQuizRepository(client, loader, time.Minute)
	if _, err := other.GetQuiz(ctx, "maths-1"); err != nil {
		t.Fatalf("get quiz from cache: %v", err)
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected single backing load, got %d", n)
	}
}

func TestQuizCacheExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	loader := &countingLoader{quizzes: map[string]domain.Quiz{"maths-1": sampleQuiz()}}
	repo := redisinfra.NewQuizRepository(client, loader, time.Minute)
	ctx := context.Background()

	if _, err := repo.GetQuiz(ctx, "maths-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := repo.GetQuiz(ctx, "maths-1"); err != nil {
		t.Fatalf("get quiz after expiry: %v", err)
	}
	if n := loader.loads.Load(); n != 2 {
		t.Fatalf("expected reload after expiry, got %d loads", n)
	}
}

func TestQuizNotFoundPassthrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := redisinfra.NewQuizRepository(client, &countingLoader{quizzes: map[string]domain.Quiz{}}, time.Minute)
	_, err := repo.GetQuiz(context.Background(), "nope")
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

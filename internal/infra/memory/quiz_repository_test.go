package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-session-service/internal/domain"
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

func TestGetQuizCaches(t *testing.T) {
	loader := &countingLoader{quizzes: map[string]domain.Quiz{"maths-1": sampleQuiz()}}
	repo := NewQuizRepository(loader, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		quiz, err := repo.GetQuiz(ctx, "maths-1")
		if err != nil {
			t.Fatalf("get quiz: %v", err)
		}
		if quiz.Topic != "Fractions" {
			t.Fatalf("unexpected quiz %+v", quiz)
		}
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected single backing load, got %d", n)
	}
}

func TestGetQuizExpiry(t *testing.T) {
	loader := &countingLoader{quizzes: map[string]domain.Quiz{"maths-1": sampleQuiz()}}
	repo := NewQuizRepository(loader, time.Minute)

	clock := clockwork.NewFakeClock()
	repo.clock = clock

	ctx := context.Background()
	if _, err := repo.GetQuiz(ctx, "maths-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}

	// Jitter extends the TTL by at most 10%; two minutes is safely past it.
	clock.Advance(2 * time.Minute)
	if _, err := repo.GetQuiz(ctx, "maths-1"); err != nil {
		t.Fatalf("get quiz after expiry: %v", err)
	}
	if n := loader.loads.Load(); n != 2 {
		t.Fatalf("expected reload after expiry, got %d loads", n)
	}
}

func TestGetQuizNotFound(t *testing.T) {
	loader := &countingLoader{quizzes: map[string]domain.Quiz{}}
	repo := NewQuizRepository(loader, time.Minute)

	_, err := repo.GetQuiz(context.Background(), "nope")
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestGetQuizSingleflight(t *testing.T) {
	loader := &countingLoader{quizzes: map[string]domain.Quiz{"maths-1": sampleQuiz()}}
	repo := NewQuizRepository(loader, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetQuiz(ctx, "maths-1"); err != nil {
				t.Errorf("get quiz: %v", err)
			}
		}()
	}
	wg.Wait()

	// Concurrent cold reads collapse into very few backing loads. The exact
	// count depends on scheduling, but a stampede would hit 20.
	if n := loader.loads.Load(); n > 3 {
		t.Fatalf("stampede: %d backing loads", n)
	}
}

func TestStaticQuizLoader(t *testing.T) {
	loader := NewStaticQuizLoader(map[string]domain.Quiz{"maths-1": sampleQuiz()})

	quiz, err := loader.LoadQuiz(context.Background(), "maths-1")
	if err != nil || quiz.ID != "maths-1" {
		t.Fatalf("load = %+v, %v", quiz, err)
	}
	if _, err := loader.LoadQuiz(context.Background(), "nope"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

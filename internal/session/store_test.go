package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/session/models"
	"github.com/maice-ai/maice/internal/session/repository"
)

func newTestStore(t *testing.T) *Store {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewStore(repository.NewMemoryRepository(), log)
}

func TestStore_CreateWithInitialQuestion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Create(ctx, "u1", "How do I factor x^2 - 9?")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.CurrentStage != models.StageInitial {
		t.Errorf("Expected stage initial, got %s", session.CurrentStage)
	}
	if session.Title != "How do I factor x^2 - 9?" {
		t.Errorf("Expected title from question, got %q", session.Title)
	}

	snap, err := store.Snapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(snap.Messages))
	}
	if snap.Messages[0].MessageType != models.MessageUserQuestion {
		t.Errorf("Expected user_question, got %s", snap.Messages[0].MessageType)
	}
}

func TestStore_TitleTruncation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 200)
	session, err := store.Create(ctx, "u1", long)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len([]rune(session.Title)) != maxTitleRunes+1 {
		t.Errorf("Expected truncated title of %d runes, got %d", maxTitleRunes+1, len([]rune(session.Title)))
	}
}

func TestStore_TransitionLegality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// initial -> observing skips answering and is illegal.
	err = store.Transition(ctx, session.ID, models.StageInitial, models.StageObserving)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// The canonical path is legal end to end.
	path := []models.Stage{models.StageClarifying, models.StageAnswering, models.StageObserving, models.StageCompleted}
	from := models.StageInitial
	for _, to := range path {
		if err := store.Transition(ctx, session.ID, from, to); err != nil {
			t.Fatalf("Transition %s -> %s failed: %v", from, to, err)
		}
		from = to
	}

	// A completed session accepts a new turn.
	if err := store.Transition(ctx, session.ID, models.StageCompleted, models.StageInitial); err != nil {
		t.Errorf("Expected completed -> initial to be legal, got %v", err)
	}
}

func TestStore_TransitionStaleCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Transition(ctx, session.ID, models.StageInitial, models.StageAnswering); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	err = store.Transition(ctx, session.ID, models.StageInitial, models.StageClarifying)
	if !errors.Is(err, repository.ErrStageConflict) {
		t.Errorf("Expected ErrStageConflict on stale view, got %v", err)
	}
}

func TestStore_FreeTalk(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	free, err := store.IsFreeTalk(ctx, "unknown")
	if err != nil {
		t.Fatalf("IsFreeTalk failed: %v", err)
	}
	if free {
		t.Error("Expected unknown user not to be free-talk")
	}

	if err := store.SetFreeTalk(ctx, "u1", true); err != nil {
		t.Fatalf("SetFreeTalk failed: %v", err)
	}
	free, err = store.IsFreeTalk(ctx, "u1")
	if err != nil {
		t.Fatalf("IsFreeTalk failed: %v", err)
	}
	if !free {
		t.Error("Expected u1 to be free-talk")
	}
}

func TestStore_CloseSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Close(ctx, session.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.IsActive || got.CurrentStage != models.StageCompleted {
		t.Errorf("Expected inactive completed session, got %+v", got)
	}
}

package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maice-ai/maice/internal/db"
	"github.com/maice-ai/maice/internal/db/dialect"
	"github.com/maice-ai/maice/internal/session/models"
)

func newSQLiteRepo(t *testing.T) Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	readerConn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("Failed to open sqlite reader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3))
	repo, err := NewSQLRepository(pool)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// runRepositoryTests exercises the shared contract against a Repository
// implementation.
func runRepositoryTests(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("CreateAndGetSession", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1", Title: "limits"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if session.ID == 0 {
			t.Fatal("Expected assigned session id")
		}
		got, err := repo.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.CurrentStage != models.StageInitial {
			t.Errorf("Expected stage initial, got %s", got.CurrentStage)
		}
		if !got.IsActive {
			t.Error("Expected new session to be active")
		}
		if got.UserID != "u1" || got.Title != "limits" {
			t.Errorf("Unexpected session: %+v", got)
		}
	})

	t.Run("GetMissingSession", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.GetSession(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MaiceMessageDeduplication", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		msg := func() *models.Message {
			return &models.Message{
				SessionID:   session.ID,
				Sender:      models.SenderMaice,
				Content:     "What grade are you in?",
				MessageType: models.MessageMaiceClarification,
			}
		}
		id1, err := repo.AppendMessage(ctx, msg())
		if err != nil {
			t.Fatalf("First append failed: %v", err)
		}
		id2, err := repo.AppendMessage(ctx, msg())
		if err != nil {
			t.Fatalf("Duplicate append failed: %v", err)
		}
		if id1 != id2 {
			t.Errorf("Expected duplicate maice append to return existing id %d, got %d", id1, id2)
		}

		msgs, err := repo.ListMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("Expected 1 stored message, got %d", len(msgs))
		}
	})

	t.Run("UserMessagesNotDeduplicated", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		for i := 0; i < 2; i++ {
			if _, err := repo.AppendMessage(ctx, &models.Message{
				SessionID:   session.ID,
				Sender:      models.SenderUser,
				Content:     "yes",
				MessageType: models.MessageUserClarificationAnswer,
			}); err != nil {
				t.Fatalf("Append %d failed: %v", i, err)
			}
		}
		msgs, err := repo.ListMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Errorf("Expected 2 user messages, got %d", len(msgs))
		}
	})

	t.Run("AppendUpdatesLastMessageType", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if _, err := repo.AppendMessage(ctx, &models.Message{
			SessionID:   session.ID,
			Sender:      models.SenderUser,
			Content:     "what is a derivative?",
			MessageType: models.MessageUserQuestion,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, err := repo.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.LastMessageType != models.MessageUserQuestion {
			t.Errorf("Expected last_message_type user_question, got %s", got.LastMessageType)
		}
	})

	t.Run("StageCompareAndSwap", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := repo.UpdateSessionStage(ctx, session.ID, models.StageInitial, models.StageAnswering); err != nil {
			t.Fatalf("CAS from initial failed: %v", err)
		}
		// Second caller still holding the initial view loses.
		err := repo.UpdateSessionStage(ctx, session.ID, models.StageInitial, models.StageClarifying)
		if !errors.Is(err, ErrStageConflict) {
			t.Errorf("Expected ErrStageConflict, got %v", err)
		}
	})

	t.Run("StageCASRace", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		targets := []models.Stage{models.StageClarifying, models.StageAnswering}
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = repo.UpdateSessionStage(ctx, session.ID, models.StageInitial, targets[i])
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else if !errors.Is(err, ErrStageConflict) {
				t.Errorf("Unexpected race error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("Expected exactly one CAS winner, got %d", succeeded)
		}
	})

	t.Run("CloseSession", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := repo.CloseSession(ctx, session.ID); err != nil {
			t.Fatalf("CloseSession failed: %v", err)
		}
		got, _ := repo.GetSession(ctx, session.ID)
		if got.IsActive {
			t.Error("Expected closed session to be inactive")
		}
		if got.CurrentStage != models.StageCompleted {
			t.Errorf("Expected stage completed, got %s", got.CurrentStage)
		}
	})

	t.Run("ClarificationStateRoundtrip", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		state := &models.ClarificationState{
			SessionID:        session.ID,
			OriginalQuestion: "solve it",
			Questions:        []string{"Which equation?", "What grade level?"},
			Answers:          []string{"x^2=4"},
			NextIndex:        1,
			Total:            2,
		}
		if err := repo.SaveClarificationState(ctx, state); err != nil {
			t.Fatalf("SaveClarificationState failed: %v", err)
		}
		got, err := repo.GetClarificationState(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetClarificationState failed: %v", err)
		}
		if len(got.Questions) != 2 || got.Questions[1] != "What grade level?" {
			t.Errorf("Unexpected questions: %v", got.Questions)
		}
		if len(got.Answers) != 1 || got.NextIndex != 1 || got.Total != 2 {
			t.Errorf("Unexpected state: %+v", got)
		}
		if got.Exhausted() {
			t.Error("Expected state not exhausted at index 1 of 2")
		}

		if err := repo.DeleteClarificationState(ctx, session.ID); err != nil {
			t.Fatalf("DeleteClarificationState failed: %v", err)
		}
		if _, err := repo.GetClarificationState(ctx, session.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("EvaluationsAndUnevaluatedList", func(t *testing.T) {
		repo := newRepo(t)
		done := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, done); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := repo.CloseSession(ctx, done.ID); err != nil {
			t.Fatalf("CloseSession failed: %v", err)
		}
		open := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, open); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		pending, err := repo.ListUnevaluatedSessions(ctx, 0)
		if err != nil {
			t.Fatalf("ListUnevaluatedSessions failed: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != done.ID {
			t.Fatalf("Expected only the completed session pending, got %+v", pending)
		}

		record := &models.EvaluationRecord{
			SessionID:  done.ID,
			ItemScores: []int{5, 4, 3, 5, 2, 4, 5, 3},
			SectionA:   12, SectionB: 11, SectionC: 8, Overall: 31,
			Feedback: "solid flow",
		}
		if err := repo.SaveEvaluation(ctx, record); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}
		got, err := repo.GetEvaluation(ctx, done.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if len(got.ItemScores) != 8 || got.Overall != 31 {
			t.Errorf("Unexpected record: %+v", got)
		}

		pending, err = repo.ListUnevaluatedSessions(ctx, 0)
		if err != nil {
			t.Fatalf("ListUnevaluatedSessions failed: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("Expected no pending sessions after evaluation, got %d", len(pending))
		}

		// Re-evaluation replaces the stored record.
		resave := &models.EvaluationRecord{
			SessionID:  done.ID,
			ItemScores: []int{5, 5, 5, 5, 5, 5, 5, 5},
			SectionA:   15, SectionB: 15, SectionC: 10, Overall: 40,
			Feedback: "improved on the second pass",
		}
		if err := repo.SaveEvaluation(ctx, resave); err != nil {
			t.Fatalf("SaveEvaluation on re-evaluation failed: %v", err)
		}
		got, err = repo.GetEvaluation(ctx, done.ID)
		if err != nil {
			t.Fatalf("GetEvaluation after re-evaluation failed: %v", err)
		}
		if got.Overall != 40 || got.Feedback != "improved on the second pass" {
			t.Errorf("Expected the re-evaluation to replace the record, got %+v", got)
		}
		if got.ID != record.ID {
			t.Errorf("Expected the record id to be stable across re-evaluation, got %d then %d", record.ID, got.ID)
		}
	})

	t.Run("ProcessingLogs", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		for i, msg := range []string{"claimed", "classified", "answered"} {
			if _, err := repo.AppendProcessingLog(ctx, &models.ProcessingLog{
				SessionID: session.ID,
				Agent:     "classifier",
				Stage:     "classifying",
				Message:   msg,
				Fields:    map[string]string{"step": string(rune('a' + i))},
			}); err != nil {
				t.Fatalf("AppendProcessingLog failed: %v", err)
			}
		}
		logs, err := repo.ListProcessingLogs(ctx, session.ID, 2)
		if err != nil {
			t.Fatalf("ListProcessingLogs failed: %v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("Expected 2 logs, got %d", len(logs))
		}
		if logs[0].Message != "classified" || logs[1].Message != "answered" {
			t.Errorf("Expected newest 2 logs in order, got %s then %s", logs[0].Message, logs[1].Message)
		}
		if logs[1].Fields["step"] != "c" {
			t.Errorf("Expected fields roundtrip, got %v", logs[1].Fields)
		}
	})

	t.Run("OutcomesSinceFilter", func(t *testing.T) {
		repo := newRepo(t)
		session := &models.Session{UserID: "u1"}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		old := &models.RequestOutcome{
			SessionID: session.ID, RequestID: "r1", Agent: "answerer",
			Outcome: models.OutcomeSuccess, LatencyMs: 800,
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		}
		if err := repo.RecordOutcome(ctx, old); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
		recent := &models.RequestOutcome{
			SessionID: session.ID, RequestID: "r2", Agent: "answerer",
			Outcome: models.OutcomeTimeout, LatencyMs: 120000,
		}
		if err := repo.RecordOutcome(ctx, recent); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}

		got, err := repo.ListOutcomes(ctx, time.Now().UTC().Add(-time.Hour), 0)
		if err != nil {
			t.Fatalf("ListOutcomes failed: %v", err)
		}
		if len(got) != 1 || got[0].RequestID != "r2" {
			t.Errorf("Expected only the recent outcome, got %+v", got)
		}
	})

	t.Run("FreeTalkUsers", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.UpsertUser(ctx, &models.User{ID: "u1", FreeTalk: true}); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
		user, err := repo.GetUser(ctx, "u1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if !user.FreeTalk {
			t.Error("Expected free_talk true")
		}
		if err := repo.UpsertUser(ctx, &models.User{ID: "u1", FreeTalk: false}); err != nil {
			t.Fatalf("Second UpsertUser failed: %v", err)
		}
		user, _ = repo.GetUser(ctx, "u1")
		if user.FreeTalk {
			t.Error("Expected free_talk cleared after upsert")
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryTests(t, func(t *testing.T) Repository { return NewMemoryRepository() })
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryTests(t, func(t *testing.T) Repository { return newSQLiteRepo(t) })
}

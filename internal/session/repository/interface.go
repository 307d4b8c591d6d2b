// Package repository provides session storage over SQLite, PostgreSQL, or an
// in-memory map for tests and unified mode.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/maice-ai/maice/internal/session/models"
)

// Storage errors.
var (
	ErrNotFound = errors.New("record not found")
	// ErrStageConflict is returned when a compare-and-swap stage update
	// observes a different current stage than expected.
	ErrStageConflict = errors.New("session stage conflict")
	ErrSessionClosed = errors.New("session is closed")
)

// Repository defines session storage operations. AppendMessage is idempotent
// for maice-sent messages on (session_id, content, message_type); a duplicate
// append returns the existing message id.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error)
	UpdateSessionTitle(ctx context.Context, id int64, title string) error
	// UpdateSessionStage is a compare-and-swap: it fails with
	// ErrStageConflict unless the stored stage equals from.
	UpdateSessionStage(ctx context.Context, id int64, from, to models.Stage) error
	CloseSession(ctx context.Context, id int64) error

	// Message operations
	AppendMessage(ctx context.Context, message *models.Message) (int64, error)
	ListMessages(ctx context.Context, sessionID int64, limit int) ([]*models.Message, error)

	// User operations
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	// Clarification state
	SaveClarificationState(ctx context.Context, state *models.ClarificationState) error
	GetClarificationState(ctx context.Context, sessionID int64) (*models.ClarificationState, error)
	DeleteClarificationState(ctx context.Context, sessionID int64) error

	// Evaluation records
	SaveEvaluation(ctx context.Context, record *models.EvaluationRecord) error
	GetEvaluation(ctx context.Context, sessionID int64) (*models.EvaluationRecord, error)
	ListUnevaluatedSessions(ctx context.Context, limit int) ([]*models.Session, error)

	// Processing logs
	AppendProcessingLog(ctx context.Context, entry *models.ProcessingLog) (int64, error)
	ListProcessingLogs(ctx context.Context, sessionID int64, limit int) ([]*models.ProcessingLog, error)

	// Request outcomes
	RecordOutcome(ctx context.Context, outcome *models.RequestOutcome) error
	ListOutcomes(ctx context.Context, since time.Time, limit int) ([]*models.RequestOutcome, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

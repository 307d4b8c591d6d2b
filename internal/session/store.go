// Package session implements the session store: the custodian of session
// state, stage transitions and the conversation log.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/session/models"
	"github.com/maice-ai/maice/internal/session/repository"
)

// ErrInvalidTransition is returned for stage moves the state machine forbids.
var ErrInvalidTransition = errors.New("invalid stage transition")

const (
	// defaultSnapshotLimit bounds how many trailing messages a snapshot
	// carries.
	defaultSnapshotLimit = 50

	maxTitleRunes = 60
)

// Store mediates all session state access. Stage transitions are
// compare-and-swap through the repository, so two racing callers see exactly
// one success.
type Store struct {
	repo          repository.Repository
	logger        *logger.Logger
	snapshotLimit int
}

// NewStore creates a session store over a repository.
func NewStore(repo repository.Repository, log *logger.Logger) *Store {
	return &Store{
		repo:          repo,
		logger:        log.WithFields(zap.String("component", "session-store")),
		snapshotLimit: defaultSnapshotLimit,
	}
}

// Repository exposes the underlying repository for monitoring reads.
func (s *Store) Repository() repository.Repository {
	return s.repo
}

// Create opens a session at stage initial. A non-empty initial question is
// appended as the first user message and seeds the session title.
func (s *Store) Create(ctx context.Context, userID, initialQuestion string) (*models.Session, error) {
	session := &models.Session{
		UserID: userID,
		Title:  deriveTitle(initialQuestion),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	if initialQuestion != "" {
		if _, err := s.Append(ctx, session.ID, models.SenderUser, initialQuestion, models.MessageUserQuestion); err != nil {
			return nil, err
		}
	}
	s.logger.Info("session created",
		zap.Int64("session_id", session.ID),
		zap.String("user_id", userID))
	return session, nil
}

// Append adds one message to the session's conversation log. Maice messages
// are idempotent on (session_id, content, message_type).
func (s *Store) Append(ctx context.Context, sessionID int64, sender, content, messageType string) (int64, error) {
	return s.repo.AppendMessage(ctx, &models.Message{
		SessionID:   sessionID,
		Sender:      sender,
		Content:     content,
		MessageType: messageType,
	})
}

// Transition moves the session stage with compare-and-swap semantics.
// Illegal moves fail before touching storage.
func (s *Store) Transition(ctx context.Context, sessionID int64, from, to models.Stage) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := s.repo.UpdateSessionStage(ctx, sessionID, from, to); err != nil {
		return err
	}
	s.logger.Debug("session stage advanced",
		zap.Int64("session_id", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Snapshot is a point-in-time view of a session and its trailing messages.
type Snapshot struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

// Snapshot returns the session's current stage, metadata, and its last
// messages (newest last).
func (s *Store) Snapshot(ctx context.Context, sessionID int64) (*Snapshot, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.repo.ListMessages(ctx, sessionID, s.snapshotLimit)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: session, Messages: messages}, nil
}

// Get returns the session record.
func (s *Store) Get(ctx context.Context, sessionID int64) (*models.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// List returns a user's sessions, newest first.
func (s *Store) List(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error) {
	return s.repo.ListSessions(ctx, userID, activeOnly)
}

// Close deactivates the session and moves it to completed.
func (s *Store) Close(ctx context.Context, sessionID int64) error {
	if err := s.repo.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("session closed", zap.Int64("session_id", sessionID))
	return nil
}

// SetTitle updates the session title.
func (s *Store) SetTitle(ctx context.Context, sessionID int64, title string) error {
	return s.repo.UpdateSessionTitle(ctx, sessionID, deriveTitle(title))
}

// IsFreeTalk reports whether the user is assigned free-talk mode. Unknown
// users are not free-talk.
func (s *Store) IsFreeTalk(ctx context.Context, userID string) (bool, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.FreeTalk, nil
}

// SetFreeTalk assigns or clears free-talk mode for a user.
func (s *Store) SetFreeTalk(ctx context.Context, userID string, freeTalk bool) error {
	return s.repo.UpsertUser(ctx, &models.User{ID: userID, FreeTalk: freeTalk})
}

// Clarification state passthroughs; the clarifier keeps its asked-question
// bookkeeping here so a restarted worker resumes where it left off.

func (s *Store) SaveClarification(ctx context.Context, state *models.ClarificationState) error {
	return s.repo.SaveClarificationState(ctx, state)
}

func (s *Store) GetClarification(ctx context.Context, sessionID int64) (*models.ClarificationState, error) {
	return s.repo.GetClarificationState(ctx, sessionID)
}

func (s *Store) ClearClarification(ctx context.Context, sessionID int64) error {
	return s.repo.DeleteClarificationState(ctx, sessionID)
}

// deriveTitle trims a question into a short session title.
func deriveTitle(question string) string {
	title := strings.TrimSpace(strings.ReplaceAll(question, "\n", " "))
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes]) + "…"
	}
	return title
}

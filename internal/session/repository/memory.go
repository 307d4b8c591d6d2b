package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maice-ai/maice/internal/session/models"
)

// MemoryRepository provides in-memory session storage. Used by unified mode
// and tests; semantics match the SQL repository, including the maice-message
// dedup and the compare-and-swap stage update.
type MemoryRepository struct {
	sessions       map[int64]*models.Session
	messages       map[int64][]*models.Message
	users          map[string]*models.User
	clarifications map[int64]*models.ClarificationState
	evaluations    map[int64]*models.EvaluationRecord
	logs           map[int64][]*models.ProcessingLog
	outcomes       []*models.RequestOutcome

	nextSessionID int64
	nextMessageID int64
	nextLogID     int64
	mu            sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory session repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:       make(map[int64]*models.Session),
		messages:       make(map[int64][]*models.Message),
		users:          make(map[string]*models.User),
		clarifications: make(map[int64]*models.ClarificationState),
		evaluations:    make(map[int64]*models.EvaluationRecord),
		logs:           make(map[int64][]*models.ProcessingLog),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Ping is a no-op for in-memory repository
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Session operations

func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSessionID++
	session.ID = r.nextSessionID
	if session.CurrentStage == "" {
		session.CurrentStage = models.StageInitial
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.IsActive = true

	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *MemoryRepository) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Session
	for _, s := range r.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		if activeOnly && !s.IsActive {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpdateSessionTitle(ctx context.Context, id int64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Title = title
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateSessionStage(ctx context.Context, id int64, from, to models.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.CurrentStage != from {
		return ErrStageConflict
	}
	session.CurrentStage = to
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) CloseSession(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.IsActive = false
	session.CurrentStage = models.StageCompleted
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// Message operations

func (r *MemoryRepository) AppendMessage(ctx context.Context, message *models.Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[message.SessionID]
	if !ok {
		return 0, ErrNotFound
	}

	// Maice messages are deduplicated on exact content + type.
	if message.Sender == models.SenderMaice {
		for _, existing := range r.messages[message.SessionID] {
			if existing.Sender == models.SenderMaice &&
				existing.Content == message.Content &&
				existing.MessageType == message.MessageType {
				return existing.ID, nil
			}
		}
	}

	r.nextMessageID++
	message.ID = r.nextMessageID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	copied := *message
	r.messages[message.SessionID] = append(r.messages[message.SessionID], &copied)

	session.LastMessageType = message.MessageType
	session.UpdatedAt = time.Now().UTC()
	return message.ID, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID int64, limit int) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[sessionID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

// User operations

func (r *MemoryRepository) UpsertUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[user.ID]; ok {
		existing.FreeTalk = user.FreeTalk
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	copied := *user
	r.users[user.ID] = &copied
	return nil
}

func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

// Clarification state

func (r *MemoryRepository) SaveClarificationState(ctx context.Context, state *models.ClarificationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	copied := *state
	copied.Questions = append([]string(nil), state.Questions...)
	copied.Answers = append([]string(nil), state.Answers...)
	r.clarifications[state.SessionID] = &copied
	return nil
}

func (r *MemoryRepository) GetClarificationState(ctx context.Context, sessionID int64) (*models.ClarificationState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.clarifications[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *state
	copied.Questions = append([]string(nil), state.Questions...)
	copied.Answers = append([]string(nil), state.Answers...)
	return &copied, nil
}

func (r *MemoryRepository) DeleteClarificationState(ctx context.Context, sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clarifications, sessionID)
	return nil
}

// Evaluation records

func (r *MemoryRepository) SaveEvaluation(ctx context.Context, record *models.EvaluationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[record.SessionID]; !ok {
		return ErrNotFound
	}
	if existing, ok := r.evaluations[record.SessionID]; ok {
		// Re-evaluation replaces the record but keeps its id.
		record.ID = existing.ID
	} else {
		record.ID = int64(len(r.evaluations) + 1)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	copied := *record
	copied.ItemScores = append([]int(nil), record.ItemScores...)
	r.evaluations[record.SessionID] = &copied
	return nil
}

func (r *MemoryRepository) GetEvaluation(ctx context.Context, sessionID int64) (*models.EvaluationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.evaluations[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	copied.ItemScores = append([]int(nil), record.ItemScores...)
	return &copied, nil
}

func (r *MemoryRepository) ListUnevaluatedSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Session
	for _, s := range r.sessions {
		if s.CurrentStage != models.StageCompleted {
			continue
		}
		if _, ok := r.evaluations[s.ID]; ok {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Processing logs

func (r *MemoryRepository) AppendProcessingLog(ctx context.Context, entry *models.ProcessingLog) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextLogID++
	entry.ID = r.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	copied := *entry
	r.logs[entry.SessionID] = append(r.logs[entry.SessionID], &copied)
	return entry.ID, nil
}

func (r *MemoryRepository) ListProcessingLogs(ctx context.Context, sessionID int64, limit int) ([]*models.ProcessingLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.logs[sessionID]
	start := 0
	if limit > 0 && len(entries) > limit {
		start = len(entries) - limit
	}
	out := make([]*models.ProcessingLog, 0, len(entries)-start)
	for _, e := range entries[start:] {
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

// Request outcomes

func (r *MemoryRepository) RecordOutcome(ctx context.Context, outcome *models.RequestOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome.ID = int64(len(r.outcomes) + 1)
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}
	copied := *outcome
	r.outcomes = append(r.outcomes, &copied)
	return nil
}

func (r *MemoryRepository) ListOutcomes(ctx context.Context, since time.Time, limit int) ([]*models.RequestOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.RequestOutcome
	for _, o := range r.outcomes {
		if o.CreatedAt.Before(since) {
			continue
		}
		copied := *o
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

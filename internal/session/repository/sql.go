package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maice-ai/maice/internal/db"
	"github.com/maice-ai/maice/internal/db/dialect"
	"github.com/maice-ai/maice/internal/session/models"
)

// SQLRepository provides session storage over SQLite or PostgreSQL through a
// reader/writer pool. Writes go through the writer connection; SELECTs use
// the reader pool so they never contend with the SQLite single writer.
type SQLRepository struct {
	pool *db.Pool
}

// Ensure SQLRepository implements Repository interface
var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a repository over an open pool and applies the
// schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	if err := initSchema(pool.Writer()); err != nil {
		return nil, err
	}
	return &SQLRepository{pool: pool}, nil
}

func (r *SQLRepository) writer() *sqlx.DB { return r.pool.Writer() }
func (r *SQLRepository) reader() *sqlx.DB { return r.pool.Reader() }

// Close closes the underlying pool.
func (r *SQLRepository) Close() error {
	return r.pool.Close()
}

// Ping verifies the backing store is reachable.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.reader().PingContext(ctx)
}

// Session operations

func (r *SQLRepository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.CurrentStage == "" {
		session.CurrentStage = models.StageInitial
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.IsActive = true

	id, err := dialect.InsertReturningID(ctx, r.writer(),
		`INSERT INTO sessions (user_id, title, current_stage, last_message_type, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.UserID, session.Title, session.CurrentStage, session.LastMessageType,
		dialect.BoolToInt(session.IsActive), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.ID = id
	return nil
}

func (r *SQLRepository) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	var session models.Session
	q := r.reader().Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := r.reader().GetContext(ctx, &session, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *SQLRepository) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*models.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id DESC`

	var sessions []*models.Session
	if err := r.reader().SelectContext(ctx, &sessions, r.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SQLRepository) UpdateSessionTitle(ctx context.Context, id int64, title string) error {
	q := r.writer().Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`)
	res, err := r.writer().ExecContext(ctx, q, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *SQLRepository) UpdateSessionStage(ctx context.Context, id int64, from, to models.Stage) error {
	q := r.writer().Rebind(`UPDATE sessions SET current_stage = ?, updated_at = ? WHERE id = ? AND current_stage = ?`)
	res, err := r.writer().ExecContext(ctx, q, to, time.Now().UTC(), id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the session is gone or another caller won the swap.
		if _, err := r.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrStageConflict
	}
	return nil
}

func (r *SQLRepository) CloseSession(ctx context.Context, id int64) error {
	q := r.writer().Rebind(`UPDATE sessions SET is_active = 0, current_stage = ?, updated_at = ? WHERE id = ?`)
	res, err := r.writer().ExecContext(ctx, q, models.StageCompleted, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Message operations

func (r *SQLRepository) AppendMessage(ctx context.Context, message *models.Message) (int64, error) {
	if _, err := r.GetSession(ctx, message.SessionID); err != nil {
		return 0, err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	if message.Sender == models.SenderMaice {
		if id, ok, err := r.findMaiceMessage(ctx, message); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	id, err := dialect.InsertReturningID(ctx, r.writer(),
		`INSERT INTO session_messages (session_id, sender, content, message_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		message.SessionID, message.Sender, message.Content, message.MessageType, message.CreatedAt)
	if err != nil {
		// Lost the race against the dedup index: resolve to the winner.
		if message.Sender == models.SenderMaice {
			if id, ok, ferr := r.findMaiceMessage(ctx, message); ferr == nil && ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	message.ID = id

	q := r.writer().Rebind(`UPDATE sessions SET last_message_type = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.writer().ExecContext(ctx, q, message.MessageType, time.Now().UTC(), message.SessionID); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *SQLRepository) findMaiceMessage(ctx context.Context, message *models.Message) (int64, bool, error) {
	var id int64
	q := r.reader().Rebind(
		`SELECT id FROM session_messages WHERE session_id = ? AND content = ? AND message_type = ? AND sender = ?`)
	err := r.reader().GetContext(ctx, &id, q,
		message.SessionID, message.Content, message.MessageType, models.SenderMaice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *SQLRepository) ListMessages(ctx context.Context, sessionID int64, limit int) ([]*models.Message, error) {
	query := `SELECT * FROM session_messages WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var messages []*models.Message
	if err := r.reader().SelectContext(ctx, &messages, r.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	// Newest-last for callers.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// User operations

func (r *SQLRepository) UpsertUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	q := r.writer().Rebind(
		`INSERT INTO users (id, free_talk, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET free_talk = excluded.free_talk`)
	_, err := r.writer().ExecContext(ctx, q, user.ID, dialect.BoolToInt(user.FreeTalk), user.CreatedAt)
	return err
}

func (r *SQLRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	q := r.reader().Rebind(`SELECT * FROM users WHERE id = ?`)
	if err := r.reader().GetContext(ctx, &user, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Clarification state

type clarificationRow struct {
	SessionID        int64     `db:"session_id"`
	OriginalQuestion string    `db:"original_question"`
	Questions        string    `db:"questions"`
	Answers          string    `db:"answers"`
	NextIndex        int       `db:"next_index"`
	Total            int       `db:"total"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *SQLRepository) SaveClarificationState(ctx context.Context, state *models.ClarificationState) error {
	state.UpdatedAt = time.Now().UTC()
	questions, err := json.Marshal(state.Questions)
	if err != nil {
		return err
	}
	answers, err := json.Marshal(state.Answers)
	if err != nil {
		return err
	}
	q := r.writer().Rebind(
		`INSERT INTO clarification_state (session_id, original_question, questions, answers, next_index, total, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			original_question = excluded.original_question,
			questions = excluded.questions,
			answers = excluded.answers,
			next_index = excluded.next_index,
			total = excluded.total,
			updated_at = excluded.updated_at`)
	_, err = r.writer().ExecContext(ctx, q,
		state.SessionID, state.OriginalQuestion, string(questions), string(answers),
		state.NextIndex, state.Total, state.UpdatedAt)
	return err
}

func (r *SQLRepository) GetClarificationState(ctx context.Context, sessionID int64) (*models.ClarificationState, error) {
	var row clarificationRow
	q := r.reader().Rebind(`SELECT * FROM clarification_state WHERE session_id = ?`)
	if err := r.reader().GetContext(ctx, &row, q, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	state := &models.ClarificationState{
		SessionID:        row.SessionID,
		OriginalQuestion: row.OriginalQuestion,
		NextIndex:        row.NextIndex,
		Total:            row.Total,
		UpdatedAt:        row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Questions), &state.Questions); err != nil {
		return nil, fmt.Errorf("malformed clarification questions: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Answers), &state.Answers); err != nil {
		return nil, fmt.Errorf("malformed clarification answers: %w", err)
	}
	return state, nil
}

func (r *SQLRepository) DeleteClarificationState(ctx context.Context, sessionID int64) error {
	q := r.writer().Rebind(`DELETE FROM clarification_state WHERE session_id = ?`)
	_, err := r.writer().ExecContext(ctx, q, sessionID)
	return err
}

// Evaluation records

type evaluationRow struct {
	ID         int64     `db:"id"`
	SessionID  int64     `db:"session_id"`
	ItemScores string    `db:"item_scores"`
	SectionA   int       `db:"section_a"`
	SectionB   int       `db:"section_b"`
	SectionC   int       `db:"section_c"`
	Overall    int       `db:"overall"`
	Feedback   string    `db:"feedback"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *SQLRepository) SaveEvaluation(ctx context.Context, record *models.EvaluationRecord) error {
	if _, err := r.GetSession(ctx, record.SessionID); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	scores, err := json.Marshal(record.ItemScores)
	if err != nil {
		return err
	}
	// Re-evaluation replaces the previous record for the session.
	q := r.writer().Rebind(
		`INSERT INTO evaluations (session_id, item_scores, section_a, section_b, section_c, overall, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			item_scores = excluded.item_scores,
			section_a = excluded.section_a,
			section_b = excluded.section_b,
			section_c = excluded.section_c,
			overall = excluded.overall,
			feedback = excluded.feedback,
			created_at = excluded.created_at`)
	if _, err := r.writer().ExecContext(ctx, q,
		record.SessionID, string(scores), record.SectionA, record.SectionB, record.SectionC,
		record.Overall, record.Feedback, record.CreatedAt); err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}

	var id int64
	q = r.writer().Rebind(`SELECT id FROM evaluations WHERE session_id = ?`)
	if err := r.writer().GetContext(ctx, &id, q, record.SessionID); err != nil {
		return fmt.Errorf("failed to read back evaluation id: %w", err)
	}
	record.ID = id
	return nil
}

func (r *SQLRepository) GetEvaluation(ctx context.Context, sessionID int64) (*models.EvaluationRecord, error) {
	var row evaluationRow
	q := r.reader().Rebind(`SELECT * FROM evaluations WHERE session_id = ?`)
	if err := r.reader().GetContext(ctx, &row, q, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	record := &models.EvaluationRecord{
		ID:        row.ID,
		SessionID: row.SessionID,
		SectionA:  row.SectionA,
		SectionB:  row.SectionB,
		SectionC:  row.SectionC,
		Overall:   row.Overall,
		Feedback:  row.Feedback,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.ItemScores), &record.ItemScores); err != nil {
		return nil, fmt.Errorf("malformed item scores: %w", err)
	}
	return record, nil
}

func (r *SQLRepository) ListUnevaluatedSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT s.* FROM sessions s
		LEFT JOIN evaluations e ON e.session_id = s.id
		WHERE s.current_stage = ? AND e.id IS NULL
		ORDER BY s.id`
	args := []any{models.StageCompleted}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var sessions []*models.Session
	if err := r.reader().SelectContext(ctx, &sessions, r.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Processing logs

type processingLogRow struct {
	ID        int64     `db:"id"`
	SessionID int64     `db:"session_id"`
	Agent     string    `db:"agent"`
	Stage     string    `db:"stage"`
	Message   string    `db:"message"`
	Fields    string    `db:"fields"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *SQLRepository) AppendProcessingLog(ctx context.Context, entry *models.ProcessingLog) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	fields := "{}"
	if len(entry.Fields) > 0 {
		data, err := json.Marshal(entry.Fields)
		if err != nil {
			return 0, err
		}
		fields = string(data)
	}
	id, err := dialect.InsertReturningID(ctx, r.writer(),
		`INSERT INTO processing_logs (session_id, agent, stage, message, fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Agent, entry.Stage, entry.Message, fields, entry.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append processing log: %w", err)
	}
	entry.ID = id
	return id, nil
}

func (r *SQLRepository) ListProcessingLogs(ctx context.Context, sessionID int64, limit int) ([]*models.ProcessingLog, error) {
	query := `SELECT * FROM processing_logs WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []processingLogRow
	if err := r.reader().SelectContext(ctx, &rows, r.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*models.ProcessingLog, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		entry := &models.ProcessingLog{
			ID:        row.ID,
			SessionID: row.SessionID,
			Agent:     row.Agent,
			Stage:     row.Stage,
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
		}
		if row.Fields != "" && row.Fields != "{}" {
			if err := json.Unmarshal([]byte(row.Fields), &entry.Fields); err != nil {
				return nil, fmt.Errorf("malformed log fields: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Request outcomes

func (r *SQLRepository) RecordOutcome(ctx context.Context, outcome *models.RequestOutcome) error {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, r.writer(),
		`INSERT INTO request_outcomes (session_id, request_id, agent, outcome, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		outcome.SessionID, outcome.RequestID, outcome.Agent, outcome.Outcome,
		outcome.LatencyMs, outcome.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	outcome.ID = id
	return nil
}

func (r *SQLRepository) ListOutcomes(ctx context.Context, since time.Time, limit int) ([]*models.RequestOutcome, error) {
	query := `SELECT * FROM request_outcomes WHERE created_at >= ? ORDER BY id`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var outcomes []*models.RequestOutcome
	if err := r.reader().SelectContext(ctx, &outcomes, r.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

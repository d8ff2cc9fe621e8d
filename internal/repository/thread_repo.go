package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// ThreadRepository provides data access for threads and their messages.
type ThreadRepository struct {
	db *sql.DB
}

// NewThreadRepository creates a new ThreadRepository.
func NewThreadRepository(db *sql.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CreateThread inserts a new thread.
func (r *ThreadRepository) CreateThread(ctx context.Context, thread *model.Thread) error {
	query := `
		INSERT INTO threads (id, agent, workflow_type, workflow_id, participant_id, tenant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		thread.ID,
		thread.Agent,
		thread.WorkflowType,
		thread.WorkflowID,
		thread.ParticipantID,
		thread.TenantID,
		millis(thread.CreatedAt),
		millis(thread.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	return nil
}

const threadColumns = `id, agent, workflow_type, workflow_id, participant_id, tenant_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*model.Thread, error) {
	thread := &model.Thread{}
	var workflowID, tenantID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&thread.ID,
		&thread.Agent,
		&thread.WorkflowType,
		&workflowID,
		&thread.ParticipantID,
		&tenantID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	thread.WorkflowID = workflowID.String
	thread.TenantID = tenantID.String
	thread.CreatedAt = fromMillis(createdAt)
	thread.UpdatedAt = fromMillis(updatedAt)
	return thread, nil
}

// GetThread retrieves a thread by its ID.
func (r *ThreadRepository) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = ?`

	thread, err := scanThread(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// LatestThread returns the most recently active thread of a participant for
// a workflow type.
func (r *ThreadRepository) LatestThread(ctx context.Context, participantID, workflowType string) (*model.Thread, error) {
	query := `SELECT ` + threadColumns + `
		FROM threads
		WHERE participant_id = ? AND workflow_type = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`

	thread, err := scanThread(r.db.QueryRowContext(ctx, query, participantID, workflowType))
	if err == sql.ErrNoRows {
		return nil, model.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}
	return thread, nil
}

// ListThreads retrieves all threads of a participant, most recent first.
func (r *ThreadRepository) ListThreads(ctx context.Context, participantID string) ([]*model.Thread, error) {
	query := `SELECT ` + threadColumns + `
		FROM threads
		WHERE participant_id = ?
		ORDER BY updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*model.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// AppendMessage stores a message in its thread and bumps the thread's
// updated_at.
func (r *ThreadRepository) AppendMessage(ctx context.Context, msg *model.Message, agent string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		millis(msg.CreatedAt), msg.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrThreadNotFound
	}

	query := `
		INSERT INTO messages (id, thread_id, direction, content, participant_id, agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadID,
		string(msg.Direction),
		msg.Content,
		msg.ParticipantID,
		agent,
		millis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns one page of a thread's messages, newest first.
// Pages are 1-based; a page below 1 is treated as the first page.
func (r *ThreadRepository) ListMessages(ctx context.Context, threadID string, page, pageSize int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	query := `
		SELECT id, thread_id, direction, content, participant_id, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, threadID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, pageSize)
	for rows.Next() {
		var msg model.Message
		var direction string
		var participantID sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ThreadID, &direction, &msg.Content, &participantID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Direction = model.Direction(direction)
		msg.ParticipantID = participantID.String
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of messages in a thread.
func (r *ThreadRepository) CountMessages(ctx context.Context, threadID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteThread removes a thread and its messages.
func (r *ThreadRepository) DeleteThread(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrThreadNotFound
	}

	return tx.Commit()
}

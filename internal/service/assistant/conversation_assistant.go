package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"finassist/internal/models"
)

// ResolveOrCreateConversation returns the conversation for the given thread
// id, creating it when the thread id is empty or unknown. The boolean
// reports whether a new conversation was created. Two racing calls with the
// same thread id collapse onto the winner's row via the (user_id, thread_id)
// uniqueness constraint.
func (s *Service) ResolveOrCreateConversation(ctx context.Context, userID int64, threadID string) (*models.Conversation, bool, error) {
	if userID <= 0 {
		return nil, false, errors.New("user_id is required")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID != "" {
		conv, err := s.GetConversationByThread(ctx, userID, threadID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	} else {
		threadID = uuid.NewString()
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, thread_id, title, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		userID, threadID, now, now,
	)
	if err != nil {
		// A concurrent caller may have inserted the same thread id; the
		// unique constraint rejects ours, so adopt theirs.
		if conv, lookupErr := s.GetConversationByThread(ctx, userID, threadID); lookupErr == nil {
			return conv, false, nil
		}
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// GetConversationByThread looks up a conversation by its thread id for one user.
func (s *Service) GetConversationByThread(ctx context.Context, userID int64, threadID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, thread_id, title, created_at, updated_at FROM conversations WHERE user_id = ? AND thread_id = ?`,
		userID, threadID,
	).Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get conversation by thread: %w", err)
	}
	return &conv, nil
}

// GetConversationByID fetches a conversation without ownership scoping; it is
// only used internally after ownership has been established.
func (s *Service) GetConversationByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, thread_id, title, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// SetConversationTitle stores the generated title, but only while no title is
// set yet. Calling it again is a no-op, which keeps automatic title
// generation idempotent.
func (s *Service) SetConversationTitle(ctx context.Context, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND title = ''`,
		title, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("title rows affected: %w", err)
	}
	if affected == 0 {
		// Either the row is gone or a title already exists; only the former
		// is an error.
		if _, err := s.GetConversationByID(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// RenameConversation overwrites the title unconditionally on behalf of an
// explicit user request.
func (s *Service) RenameConversation(ctx context.Context, userID, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListConversations returns a user's conversations ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, userID int64, limit int) ([]models.Conversation, error) {
	query := `SELECT id, user_id, thread_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.ThreadID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"finassist/internal/models"
)

// AppendMessageParams carries the fields for a new chat message row.
type AppendMessageParams struct {
	ConversationID  int64
	ParentMessageID *int64
	Role            models.Role
	Content         string
	Model           string
	Temperature     *float64
	Status          models.MessageStatus
	FinishReason    *models.FinishReason
	LatencyMS       *int64
	Metadata        *models.MessageMetadata
}

// MessagePatch holds partial updates for an existing message. Nil fields are
// left untouched; Metadata merges shallowly into whatever is stored.
type MessagePatch struct {
	Content          *string
	Status           *models.MessageStatus
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	FinishReason     *models.FinishReason
	LatencyMS        *int64
	Metadata         *models.MessageMetadata
}

// AppendMessage stores a new message and touches the parent conversation's
// updated_at timestamp. The conversation must exist.
func (s *Service) AppendMessage(ctx context.Context, params AppendMessageParams) (*models.ChatMessage, error) {
	if params.ConversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	if params.Status == "" {
		params.Status = models.StatusCompleted
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, params.ConversationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	metaCol, err := marshalMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}
	var finish sql.NullString
	if params.FinishReason != nil {
		finish = sql.NullString{String: string(*params.FinishReason), Valid: true}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (conversation_id, parent_message_id, role, content, model, temperature, status, finish_reason, latency_ms, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.ConversationID, params.ParentMessageID, params.Role, params.Content,
		params.Model, params.Temperature, params.Status, finish, params.LatencyMS, metaCol, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, params.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &models.ChatMessage{
		ID:              id,
		ConversationID:  params.ConversationID,
		ParentMessageID: params.ParentMessageID,
		Role:            params.Role,
		Content:         params.Content,
		Model:           params.Model,
		Temperature:     params.Temperature,
		Status:          params.Status,
		FinishReason:    params.FinishReason,
		LatencyMS:       params.LatencyMS,
		Metadata:        params.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// UpdateMessage applies a partial update. Metadata is merged shallowly so a
// later error note does not clobber an earlier tool-call list.
func (s *Service) UpdateMessage(ctx context.Context, messageID int64, patch MessagePatch) (*models.ChatMessage, error) {
	var storedMeta sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM chat_messages WHERE id = ?`, messageID,
	).Scan(&storedMeta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("load message: %w", err)
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	appendSet := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Content != nil {
		appendSet("content", *patch.Content)
	}
	if patch.Status != nil {
		appendSet("status", *patch.Status)
	}
	if patch.PromptTokens != nil {
		appendSet("prompt_tokens", *patch.PromptTokens)
	}
	if patch.CompletionTokens != nil {
		appendSet("completion_tokens", *patch.CompletionTokens)
	}
	if patch.TotalTokens != nil {
		appendSet("total_tokens", *patch.TotalTokens)
	}
	if patch.FinishReason != nil {
		appendSet("finish_reason", string(*patch.FinishReason))
	}
	if patch.LatencyMS != nil {
		appendSet("latency_ms", *patch.LatencyMS)
	}
	if patch.Metadata != nil {
		existing, err := unmarshalMetadata(storedMeta)
		if err != nil {
			return nil, err
		}
		merged := existing.Merge(patch.Metadata)
		metaCol, err := marshalMetadata(merged)
		if err != nil {
			return nil, err
		}
		appendSet("metadata", metaCol)
	}
	if len(sets) > 0 {
		appendSet("updated_at", time.Now().UTC())
		query := "UPDATE chat_messages SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		args = append(args, messageID)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update message: %w", err)
		}
	}
	return s.GetMessage(ctx, messageID)
}

// GetMessage fetches one message by id without ownership scoping.
func (s *Service) GetMessage(ctx context.Context, messageID int64) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, parent_message_id, role, content, model, temperature,
		        prompt_tokens, completion_tokens, total_tokens, status, finish_reason,
		        latency_ms, metadata, created_at, updated_at
		 FROM chat_messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListConversationMessages returns the ordered history of one conversation,
// oldest first. A conversation owned by another user reads the same as a
// missing one so existence is not leaked.
func (s *Service) ListConversationMessages(ctx context.Context, conversationID, userID int64, limit int) ([]*models.ChatMessage, error) {
	var owned bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&owned); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !owned {
		return nil, sql.ErrNoRows
	}

	query := `SELECT id, conversation_id, parent_message_id, role, content, model, temperature,
	                 prompt_tokens, completion_tokens, total_tokens, status, finish_reason,
	                 latency_ms, metadata, created_at, updated_at
	          FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var (
		msg     models.ChatMessage
		parent  sql.NullInt64
		temp    sql.NullFloat64
		pTok    sql.NullInt64
		cTok    sql.NullInt64
		tTok    sql.NullInt64
		finish  sql.NullString
		latency sql.NullInt64
		meta    sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &parent, &msg.Role, &msg.Content,
		&msg.Model, &temp, &pTok, &cTok, &tTok, &msg.Status, &finish,
		&latency, &meta, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		v := parent.Int64
		msg.ParentMessageID = &v
	}
	if temp.Valid {
		v := temp.Float64
		msg.Temperature = &v
	}
	if pTok.Valid {
		v := int(pTok.Int64)
		msg.PromptTokens = &v
	}
	if cTok.Valid {
		v := int(cTok.Int64)
		msg.CompletionTokens = &v
	}
	if tTok.Valid {
		v := int(tTok.Int64)
		msg.TotalTokens = &v
	}
	if finish.Valid && finish.String != "" {
		v := models.FinishReason(finish.String)
		msg.FinishReason = &v
	}
	if latency.Valid {
		v := latency.Int64
		msg.LatencyMS = &v
	}
	parsed, err := unmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	msg.Metadata = parsed
	return &msg, nil
}

package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"finassist/internal/models"
	"finassist/internal/service/ai"
	"finassist/internal/service/assistant"
)

// turnState tracks one turn from conversation resolution to its terminal
// event.
type turnState struct {
	conv      *models.Conversation
	isNew     bool
	userMsg   *models.ChatMessage
	pendingID int64
	buffer    strings.Builder
	toolCalls []models.ToolCallRecord
	usage     *models.TokenUsage
	finish    string
	startedAt time.Time
}

// runTurn drives a single chat turn: resolve the conversation, persist the
// user message, assemble the model stream into a pending assistant message,
// then finalize. Every run ends in exactly one terminal event, except when
// the client has already disconnected.
func (m *Manager) runTurn(req StreamRequest) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	st := &turnState{startedAt: time.Now()}

	conv, isNew, err := m.assistant.ResolveOrCreateConversation(ctx, req.UserID, req.ThreadID)
	if err != nil {
		m.failTurn(ctx, req, st, err)
		return
	}
	st.conv = conv
	st.isNew = isNew

	var history []*models.ChatMessage
	if !isNew {
		history, err = m.assistant.ListConversationMessages(ctx, conv.ID, req.UserID, 0)
		if err != nil {
			// history priming is best effort, the engine keeps its own cache
			log.Printf("load history for thread %s: %v", conv.ThreadID, err)
			history = nil
		}
	}

	st.userMsg, err = m.assistant.AppendMessage(ctx, assistant.AppendMessageParams{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Status:         models.StatusCompleted,
	})
	if err != nil {
		m.failTurn(ctx, req, st, err)
		return
	}

	feed, err := m.engine.StreamTurn(ctx, ai.TurnRequest{
		UserID:   req.UserID,
		ThreadID: conv.ThreadID,
		UserText: req.Message,
		History:  history,
	})
	if err != nil {
		m.failTurn(ctx, req, st, err)
		return
	}
	defer feed.Close()

	for {
		event, recvErr := feed.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			m.failTurn(ctx, req, st, recvErr)
			return
		}
		switch event.Kind {
		case ai.EventToken:
			if event.Usage != nil {
				st.usage = event.Usage
			}
			if event.FinishReason != "" {
				st.finish = event.FinishReason
			}
			if event.Text == "" {
				continue
			}
			st.buffer.WriteString(event.Text)
			if err := m.persistSnapshot(ctx, st); err != nil {
				m.failTurn(ctx, req, st, err)
				return
			}
			if err := req.EmitFn(ClientEvent{Type: "text", Content: event.Text}); err != nil {
				m.clientGone(conv.ThreadID, err)
				return
			}
		case ai.EventStep:
			st.toolCalls = append(st.toolCalls, models.ToolCallRecord{Tool: event.Tool, Label: event.Label})
			if err := req.EmitFn(ClientEvent{Type: "tool_update", Content: event.Tool + ":: " + event.Label}); err != nil {
				m.clientGone(conv.ThreadID, err)
				return
			}
		case ai.EventCustom:
			if err := req.EmitFn(ClientEvent{Type: "custom", Content: event.Payload}); err != nil {
				m.clientGone(conv.ThreadID, err)
				return
			}
		}
	}

	m.finalizeTurn(ctx, req, st)
}

// persistSnapshot writes the full accumulated assistant text, creating the
// pending message on the first token. Storing the whole snapshot rather than
// the delta keeps the row consistent on its own.
func (m *Manager) persistSnapshot(ctx context.Context, st *turnState) error {
	content := st.buffer.String()
	if st.pendingID == 0 {
		temp := m.engine.Temperature()
		params := assistant.AppendMessageParams{
			ConversationID: st.conv.ID,
			Role:           models.RoleAssistant,
			Content:        content,
			Model:          m.engine.ModelName(),
			Temperature:    &temp,
			Status:         models.StatusPending,
		}
		if st.userMsg != nil {
			params.ParentMessageID = &st.userMsg.ID
		}
		pending, err := m.assistant.AppendMessage(ctx, params)
		if err != nil {
			return err
		}
		st.pendingID = pending.ID
		return nil
	}
	_, err := m.assistant.UpdateMessage(ctx, st.pendingID, assistant.MessagePatch{Content: &content})
	return err
}

// finalizeTurn marks the assistant message completed, fills in usage and
// latency, names a new conversation, and sends the done event.
func (m *Manager) finalizeTurn(ctx context.Context, req StreamRequest, st *turnState) {
	latency := time.Since(st.startedAt).Milliseconds()
	finish := mapFinishReason(st.finish)
	meta := finalMetadata(st)
	content := st.buffer.String()

	if st.pendingID != 0 {
		completed := models.StatusCompleted
		patch := assistant.MessagePatch{
			Content:      &content,
			Status:       &completed,
			FinishReason: &finish,
			LatencyMS:    &latency,
			Metadata:     meta,
		}
		if st.usage != nil {
			patch.PromptTokens = &st.usage.PromptTokens
			patch.CompletionTokens = &st.usage.CompletionTokens
			patch.TotalTokens = &st.usage.TotalTokens
		}
		if _, err := m.assistant.UpdateMessage(ctx, st.pendingID, patch); err != nil {
			m.failTurn(ctx, req, st, err)
			return
		}
	}

	title := m.ensureTitle(ctx, req, st)

	if err := req.EmitFn(ClientEvent{Type: "done", Data: &TerminalData{ThreadID: st.conv.ThreadID, Title: title}}); err != nil {
		m.clientGone(st.conv.ThreadID, err)
	}
}

// ensureTitle names a brand-new conversation exactly once and returns the
// stored title to report. The title stays unset until a first exchange
// completes with non-empty assistant content.
func (m *Manager) ensureTitle(ctx context.Context, req StreamRequest, st *turnState) string {
	var named string
	if st.isNew && st.buffer.Len() > 0 {
		title, err := m.titles.GenerateTitle(ctx, req.Message, st.buffer.String())
		if err != nil {
			log.Printf("title generation for thread %s: %v", st.conv.ThreadID, err)
		}
		if strings.TrimSpace(title) == "" {
			title = ai.FallbackTitle(req.Message)
		}
		if err := m.assistant.SetConversationTitle(ctx, st.conv.ID, title); err != nil {
			log.Printf("store title for thread %s: %v", st.conv.ThreadID, err)
		} else {
			named = title
		}
	}
	// re-read in case a concurrent turn named the conversation first
	if conv, err := m.assistant.GetConversationByID(ctx, st.conv.ID); err == nil {
		return conv.Title
	}
	return named
}

// failTurn records the failure on the pending assistant message, if any, and
// sends the error terminal event.
func (m *Manager) failTurn(ctx context.Context, req StreamRequest, st *turnState, cause error) {
	log.Printf("chat turn failed for user %d: %v", req.UserID, cause)

	if st.pendingID != 0 {
		status := models.StatusError
		finish := models.FinishError
		if _, err := m.assistant.UpdateMessage(ctx, st.pendingID, assistant.MessagePatch{
			Status:       &status,
			FinishReason: &finish,
			Metadata:     &models.MessageMetadata{Error: cause.Error()},
		}); err != nil {
			log.Printf("record failure on message %d: %v", st.pendingID, err)
		}
	}

	threadID := strings.TrimSpace(req.ThreadID)
	title := ""
	if st.conv != nil {
		threadID = st.conv.ThreadID
		if conv, err := m.assistant.GetConversationByID(ctx, st.conv.ID); err == nil {
			title = conv.Title
		}
	}
	if title == "" {
		title = ai.DefaultTitle()
	}
	m.emitFailure(req, threadID, title, cause)
}

func (m *Manager) emitFailure(req StreamRequest, threadID, title string, cause error) {
	if title == "" {
		title = ai.DefaultTitle()
	}
	if err := req.EmitFn(ClientEvent{
		Type: "error",
		Data: &TerminalData{
			Message:  cause.Error(),
			ThreadID: threadID,
			Title:    title,
		},
	}); err != nil {
		m.clientGone(threadID, err)
	}
}

// clientGone notes a dropped client. The turn stops writing to it; whatever
// was persisted so far stays as is.
func (m *Manager) clientGone(threadID string, err error) {
	log.Printf("client dropped on thread %s: %v", threadID, err)
}

func mapFinishReason(raw string) models.FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stop", "end_turn", "stop_sequence":
		return models.FinishStop
	case "length", "max_tokens":
		return models.FinishLength
	case "tool_calls", "tool_use", "function_call":
		return models.FinishToolCalls
	case "content_filter":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}

func finalMetadata(st *turnState) *models.MessageMetadata {
	meta := &models.MessageMetadata{}
	if len(st.toolCalls) > 0 {
		meta.ToolCalls = st.toolCalls
	}
	if st.usage != nil {
		meta.Usage = st.usage
	}
	if meta.ToolCalls == nil && meta.Usage == nil {
		return nil
	}
	return meta
}

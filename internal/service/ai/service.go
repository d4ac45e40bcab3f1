package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"finassist/internal/config"
	"finassist/internal/models"
	"finassist/internal/service/assistant"
)

const systemPrompt = `You are a personal finance assistant. You help users track spending, ` +
	`set budgets, and plan savings.

When the user mentions spending or receiving money, call categorize_transaction with their wording.
When the user asks for a budget or spending limit, call create_budget_rule.
When the user shares income, a savings goal, or a currency preference, call save_user_profile.
Use web_search only for current external figures such as prices or exchange rates.

Keep answers short and concrete. Report amounts in the user's currency.`

type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	modelName string
	temp      float64
	tools     []tool.BaseTool

	mu        sync.RWMutex
	histories map[string][]*schema.Message
}

// NewService builds the chat engine for the configured provider and wires the
// finance tools against the given store.
func NewService(cfg *config.Config, provider string, store *assistant.Service) (*Service, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelType := provCfg.Model
	token := provCfg.APIKey

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: token,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	financeTools := InitToolsChain(store)
	var reactAgent *react.Agent
	if len(financeTools) > 0 {
		reactAgent, err = react.NewAgent(context.Background(), &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: financeTools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &Service{
		chatModel: chatModel,
		agent:     reactAgent,
		modelName: modelType,
		temp:      provCfg.Temperature,
		tools:     financeTools,
		histories: make(map[string][]*schema.Message),
	}, nil
}

func (s *Service) ModelName() string    { return s.modelName }
func (s *Service) Temperature() float64 { return s.temp }

// TurnRequest describes one user turn to stream.
type TurnRequest struct {
	UserID   int64
	ThreadID string
	UserText string
	// History is the conversation's stored messages prior to this turn,
	// used to prime the in-memory cache after a restart.
	History []*models.ChatMessage
}

// StreamTurn runs one agent turn and returns a stream of classified turn
// events. The reader ends with io.EOF on normal completion; an aborted model
// stream surfaces its error through Recv.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest) (*schema.StreamReader[*TurnEvent], error) {
	if req.ThreadID == "" {
		return nil, errors.New("thread_id is required")
	}
	if req.UserText == "" {
		return nil, errors.New("message cannot be empty")
	}

	s.primeHistory(req.ThreadID, req.History)
	s.appendHistory(req.ThreadID, &schema.Message{Role: schema.User, Content: req.UserText})
	messages := s.threadMessages(req.ThreadID)

	reader, writer := schema.Pipe[*TurnEvent](8)

	ctx = WithToolUser(ctx, req.UserID)
	ctx = WithProgress(ctx, func(payload any) {
		writer.Send(&TurnEvent{Kind: EventCustom, Payload: payload}, nil)
	})

	var (
		feed *schema.StreamReader[*schema.Message]
		err  error
	)
	if s.agent != nil {
		feed, err = s.agent.Stream(ctx, messages)
	} else {
		feed, err = s.chatModel.Stream(ctx, messages)
	}
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("start model stream: %w", err)
	}

	go func() {
		defer writer.Close()
		defer feed.Close()
		var full string
		for {
			chunk, recvErr := feed.Recv()
			if recvErr != nil {
				if errors.Is(recvErr, io.EOF) {
					s.appendHistory(req.ThreadID, &schema.Message{Role: schema.Assistant, Content: full})
					return
				}
				writer.Send(nil, recvErr)
				return
			}
			event, ok := ClassifyChunk(chunk)
			if !ok {
				continue
			}
			if event.Kind == EventToken {
				full += event.Text
			}
			if writer.Send(event, nil) {
				// receiver gone, stop reading the model
				return
			}
		}
	}()

	return reader, nil
}

// GenerateTitle asks the model for a short conversation title from the first
// exchange. Callers fall back to FallbackTitle when this errors or returns
// nothing usable.
func (s *Service) GenerateTitle(ctx context.Context, userText, assistantText string) (string, error) {
	prompt := []*schema.Message{
		{Role: schema.System, Content: titlePrompt},
		{Role: schema.User, Content: fmt.Sprintf("User: %s\n\nAssistant: %s",
			truncateForTitle(userText), truncateForTitle(assistantText))},
	}
	resp, err := s.chatModel.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(resp.Content)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

func (s *Service) threadMessages(threadID string) []*schema.Message {
	s.mu.RLock()
	history := s.histories[threadID]
	s.mu.RUnlock()

	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	messages = append(messages, history...)
	return messages
}

// primeHistory fills the cache from stored messages, but only when the cache
// is cold so a live conversation keeps its in-memory state.
func (s *Service) primeHistory(threadID string, stored []*models.ChatMessage) {
	if len(stored) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.histories[threadID]) > 0 {
		return
	}
	converted := make([]*schema.Message, 0, len(stored))
	for _, msg := range stored {
		if msg == nil || msg.Content == "" || msg.Status == models.StatusError {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			continue
		}
		converted = append(converted, &schema.Message{Role: role, Content: msg.Content})
	}
	s.histories[threadID] = converted
}

func (s *Service) appendHistory(threadID string, msg *schema.Message) {
	if msg == nil || msg.Content == "" {
		return
	}
	s.mu.Lock()
	s.histories[threadID] = append(s.histories[threadID], msg)
	s.mu.Unlock()
}

// DropHistory forgets the in-memory history of one thread.
func (s *Service) DropHistory(threadID string) {
	s.mu.Lock()
	delete(s.histories, threadID)
	s.mu.Unlock()
}

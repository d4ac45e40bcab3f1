package worker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"finassist/internal/config"
	"finassist/internal/models"
	"finassist/internal/service/ai"
	"finassist/internal/service/assistant"
	"finassist/internal/storage"
)

type fakeEngine struct {
	events   []*ai.TurnEvent
	finalErr error
	startErr error
	lastReq  ai.TurnRequest
	dropped  []string
}

func (f *fakeEngine) StreamTurn(ctx context.Context, req ai.TurnRequest) (*schema.StreamReader[*ai.TurnEvent], error) {
	f.lastReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	reader, writer := schema.Pipe[*ai.TurnEvent](len(f.events) + 1)
	go func() {
		defer writer.Close()
		for _, event := range f.events {
			if writer.Send(event, nil) {
				return
			}
		}
		if f.finalErr != nil {
			writer.Send(nil, f.finalErr)
		}
	}()
	return reader, nil
}

func (f *fakeEngine) ModelName() string    { return "fake-model" }
func (f *fakeEngine) Temperature() float64 { return 0.7 }

func (f *fakeEngine) DropHistory(threadID string) {
	f.dropped = append(f.dropped, threadID)
}

type fakeTitles struct {
	title string
	err   error
	calls int
}

func (f *fakeTitles) GenerateTitle(ctx context.Context, userText, assistantText string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.title, nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, engine Engine, titles TitleGenerator) (*Manager, *assistant.Service, int64) {
	t.Helper()
	db := openTestDB(t)
	store := assistant.NewService(db)
	user, err := store.RegisterUser(context.Background(), "tester", "tester@example.com", "secret")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	return NewManager(store, engine, titles), store, user.ID
}

func collectEvents(events *[]ClientEvent) func(ClientEvent) error {
	return func(event ClientEvent) error {
		*events = append(*events, event)
		return nil
	}
}

func terminalCount(events []ClientEvent) int {
	count := 0
	for _, event := range events {
		if event.Type == "done" || event.Type == "error" {
			count++
		}
	}
	return count
}

func TestStreamHappyPath(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{
			{Kind: ai.EventStep, Tool: "create_budget_rule", Label: "creating budget rule"},
			{Kind: ai.EventCustom, Payload: map[string]any{"budget_rule_id": 1}},
			{Kind: ai.EventToken, Text: "Budget "},
			{Kind: ai.EventToken, Text: "created."},
			{Kind: ai.EventToken, FinishReason: "stop", Usage: &models.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}},
		},
	}
	titles := &fakeTitles{title: "Monthly Budget"}
	manager, store, userID := newTestManager(t, engine, titles)

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "set a $500 monthly budget",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if terminalCount(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %#v", terminalCount(events), events)
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Data == nil {
		t.Fatalf("last event must be terminal done, got %#v", last)
	}
	if last.Data.ThreadID == "" || last.Data.Title != "Monthly Budget" {
		t.Fatalf("done event incomplete: %#v", last.Data)
	}

	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{"tool_update", "custom", "text", "text", "done"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", types, want)
	}
	if events[0].Content != "create_budget_rule:: creating budget rule" {
		t.Fatalf("tool_update content = %#v", events[0].Content)
	}

	ctx := context.Background()
	conv, err := store.GetConversationByThread(ctx, userID, last.Data.ThreadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	if conv.Title != "Monthly Budget" {
		t.Fatalf("title not persisted: %q", conv.Title)
	}

	messages, err := store.ListConversationMessages(ctx, conv.ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + assistant message, got %d", len(messages))
	}
	userMsg, aiMsg := messages[0], messages[1]
	if userMsg.Role != models.RoleUser || userMsg.Status != models.StatusCompleted {
		t.Fatalf("user message wrong: %#v", userMsg)
	}
	if aiMsg.Role != models.RoleAssistant || aiMsg.Status != models.StatusCompleted {
		t.Fatalf("assistant message wrong: %#v", aiMsg)
	}
	if aiMsg.Content != "Budget created." {
		t.Fatalf("assistant content = %q", aiMsg.Content)
	}
	if aiMsg.ParentMessageID == nil || *aiMsg.ParentMessageID != userMsg.ID {
		t.Fatalf("assistant message not linked to its prompt")
	}
	if aiMsg.Model != "fake-model" || aiMsg.Temperature == nil || *aiMsg.Temperature != 0.7 {
		t.Fatalf("model attribution missing: %#v", aiMsg)
	}
	if aiMsg.FinishReason == nil || *aiMsg.FinishReason != models.FinishStop {
		t.Fatalf("finish reason = %#v", aiMsg.FinishReason)
	}
	if aiMsg.TotalTokens == nil || *aiMsg.TotalTokens != 14 {
		t.Fatalf("usage not persisted: %#v", aiMsg.TotalTokens)
	}
	if aiMsg.LatencyMS == nil {
		t.Fatalf("latency not persisted")
	}
	if aiMsg.Metadata == nil || len(aiMsg.Metadata.ToolCalls) != 1 {
		t.Fatalf("tool calls not in metadata: %#v", aiMsg.Metadata)
	}
	if aiMsg.Metadata.ToolCalls[0].Tool != "create_budget_rule" {
		t.Fatalf("wrong tool recorded: %#v", aiMsg.Metadata.ToolCalls[0])
	}
	if titles.calls != 1 {
		t.Fatalf("title generator called %d times, want 1", titles.calls)
	}
}

func TestStreamMidStreamFailure(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{
			{Kind: ai.EventToken, Text: "Let me "},
			{Kind: ai.EventToken, Text: "check"},
		},
		finalErr: errors.New("model connection reset"),
	}
	manager, store, userID := newTestManager(t, engine, &fakeTitles{title: "ignored"})

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "what did I spend last week",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if terminalCount(events) != 1 {
		t.Fatalf("expected one terminal event, got %#v", events)
	}
	last := events[len(events)-1]
	if last.Type != "error" || last.Data == nil {
		t.Fatalf("error terminal missing payload: %#v", last)
	}
	if last.Data.Message == "" || last.Data.ThreadID == "" || last.Data.Title == "" {
		t.Fatalf("error terminal incomplete: %#v", last.Data)
	}

	ctx := context.Background()
	conv, err := store.GetConversationByThread(ctx, userID, last.Data.ThreadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	messages, err := store.ListConversationMessages(ctx, conv.ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	aiMsg := messages[1]
	if aiMsg.Status != models.StatusError {
		t.Fatalf("failed message status = %s", aiMsg.Status)
	}
	// partial text survives the failure
	if aiMsg.Content != "Let me check" {
		t.Fatalf("partial content lost: %q", aiMsg.Content)
	}
	if aiMsg.FinishReason == nil || *aiMsg.FinishReason != models.FinishError {
		t.Fatalf("finish reason = %#v", aiMsg.FinishReason)
	}
	if aiMsg.Metadata == nil || aiMsg.Metadata.Error == "" {
		t.Fatalf("failure cause not recorded: %#v", aiMsg.Metadata)
	}
}

func TestStreamStartFailure(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("provider unavailable")}
	manager, store, userID := newTestManager(t, engine, &fakeTitles{})

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "hello",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(events) != 1 || events[0].Type != "error" || events[0].Data == nil {
		t.Fatalf("expected only the error terminal, got %#v", events)
	}

	ctx := context.Background()
	conv, err := store.GetConversationByThread(ctx, userID, events[0].Data.ThreadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	messages, err := store.ListConversationMessages(ctx, conv.ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// the user's message is kept even though no assistant row was started
	if len(messages) != 1 || messages[0].Role != models.RoleUser {
		t.Fatalf("unexpected messages: %#v", messages)
	}
}

func TestStreamEmptyCompletion(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{
			{Kind: ai.EventToken, FinishReason: "stop"},
		},
	}
	titles := &fakeTitles{title: "unused"}
	manager, store, userID := newTestManager(t, engine, titles)

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "plan my savings for the year",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Data == nil {
		t.Fatalf("empty completion still ends with done, got %#v", last)
	}
	if titles.calls != 0 {
		t.Fatalf("no assistant text, so no title call; got %d", titles.calls)
	}
	// the title stays unset until a turn produces assistant content
	if last.Data.Title != "" {
		t.Fatalf("empty completion must not name the conversation, got %q", last.Data.Title)
	}

	ctx := context.Background()
	conv, err := store.GetConversationByThread(ctx, userID, last.Data.ThreadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	if conv.Title != "" {
		t.Fatalf("title persisted for an empty completion: %q", conv.Title)
	}
	messages, err := store.ListConversationMessages(ctx, conv.ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("no assistant row expected for an empty completion, got %d", len(messages))
	}
}

func TestStreamTitleFallbackOnGeneratorError(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{{Kind: ai.EventToken, Text: "Sure."}},
	}
	titles := &fakeTitles{err: errors.New("title model down")}
	manager, store, userID := newTestManager(t, engine, titles)

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "track my coffee spending",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Data == nil || last.Data.Title != "track my coffee spending" {
		t.Fatalf("fallback title not applied: %#v", last)
	}
	conv, err := store.GetConversationByThread(context.Background(), userID, last.Data.ThreadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	if conv.Title != "track my coffee spending" {
		t.Fatalf("fallback title not persisted: %q", conv.Title)
	}
}

func TestStreamExistingConversation(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{{Kind: ai.EventToken, Text: "First answer."}},
	}
	titles := &fakeTitles{title: "Coffee Tracking"}
	manager, store, userID := newTestManager(t, engine, titles)

	var first []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "track my coffee",
		EmitFn:  collectEvents(&first),
	}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	threadID := first[len(first)-1].Data.ThreadID

	engine.events = []*ai.TurnEvent{{Kind: ai.EventToken, Text: "Second answer."}}
	var second []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:   userID,
		ThreadID: threadID,
		Message:  "and my tea too",
		EmitFn:   collectEvents(&second),
	}); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	last := second[len(second)-1]
	if last.Type != "done" || last.Data == nil || last.Data.ThreadID != threadID {
		t.Fatalf("second turn terminal: %#v", last)
	}
	// title is generated once and kept
	if last.Data.Title != "Coffee Tracking" {
		t.Fatalf("existing title not reported: %q", last.Data.Title)
	}
	if titles.calls != 1 {
		t.Fatalf("title generator ran %d times, want 1", titles.calls)
	}
	// the second turn primes the engine with the stored history
	if len(engine.lastReq.History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(engine.lastReq.History))
	}

	conv, err := store.GetConversationByThread(context.Background(), userID, threadID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	messages, err := store.ListConversationMessages(context.Background(), conv.ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages after two turns, got %d", len(messages))
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{
			{Kind: ai.EventToken, Text: "You spent "},
			{Kind: ai.EventToken, Text: "$120."},
		},
	}
	manager, store, userID := newTestManager(t, engine, &fakeTitles{title: "t"})

	var events []ClientEvent
	emit := func(event ClientEvent) error {
		events = append(events, event)
		return errors.New("client went away")
	}
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "how much did I spend",
		EmitFn:  emit,
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// no terminal event is forced onto a dead connection
	if terminalCount(events) != 0 {
		t.Fatalf("disconnected client still got a terminal: %#v", events)
	}

	conversations, err := store.ListConversations(context.Background(), userID, 0)
	if err != nil || len(conversations) != 1 {
		t.Fatalf("conversation missing: %v %d", err, len(conversations))
	}
	messages, err := store.ListConversationMessages(context.Background(), conversations[0].ID, userID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + pending assistant rows, got %d", len(messages))
	}
	// the in-flight write completed; the row just never finalized
	if messages[1].Status != models.StatusPending {
		t.Fatalf("assistant message status = %s, want pending", messages[1].Status)
	}
	if messages[1].Content != "You spent " {
		t.Fatalf("persisted snapshot = %q", messages[1].Content)
	}
}

func TestStopForgetsThreadHistories(t *testing.T) {
	engine := &fakeEngine{
		events: []*ai.TurnEvent{{Kind: ai.EventToken, Text: "Noted."}},
	}
	manager, _, userID := newTestManager(t, engine, &fakeTitles{title: "Notes"})

	var events []ClientEvent
	if err := manager.Stream(StreamRequest{
		UserID:  userID,
		Message: "remember my rent is 900",
		EmitFn:  collectEvents(&events),
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	threadID := events[len(events)-1].Data.ThreadID

	manager.Stop(context.Background(), userID)

	found := false
	for _, dropped := range engine.dropped {
		if dropped == threadID {
			found = true
		}
	}
	if !found {
		t.Fatalf("engine history for %s not dropped: %v", threadID, engine.dropped)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]models.FinishReason{
		"":               models.FinishStop,
		"stop":           models.FinishStop,
		"end_turn":       models.FinishStop,
		"max_tokens":     models.FinishLength,
		"length":         models.FinishLength,
		"tool_use":       models.FinishToolCalls,
		"tool_calls":     models.FinishToolCalls,
		"content_filter": models.FinishContentFilter,
		"weird_reason":   models.FinishStop,
	}
	for raw, want := range cases {
		if got := mapFinishReason(raw); got != want {
			t.Fatalf("mapFinishReason(%q) = %s, want %s", raw, got, want)
		}
	}
}

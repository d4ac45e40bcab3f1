package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"finassist/internal/auth"
	"finassist/internal/config"
	"finassist/internal/models"
	"finassist/internal/service/ai"
	"finassist/internal/service/assistant"
	"finassist/internal/storage"
	"finassist/internal/worker"
)

type fakeEngine struct {
	events []*ai.TurnEvent
}

func (f *fakeEngine) StreamTurn(ctx context.Context, req ai.TurnRequest) (*schema.StreamReader[*ai.TurnEvent], error) {
	reader, writer := schema.Pipe[*ai.TurnEvent](len(f.events) + 1)
	go func() {
		defer writer.Close()
		for _, event := range f.events {
			if writer.Send(event, nil) {
				return
			}
		}
	}()
	return reader, nil
}

func (f *fakeEngine) ModelName() string    { return "fake-model" }
func (f *fakeEngine) Temperature() float64 { return 0.2 }

func (f *fakeEngine) DropHistory(threadID string) {}

type fakeTitles struct{ title string }

func (f *fakeTitles) GenerateTitle(ctx context.Context, userText, assistantText string) (string, error) {
	return f.title, nil
}

type testApp struct {
	router *gin.Engine
	store  *assistant.Service
	engine *fakeEngine
	db     *sql.DB
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	store := assistant.NewService(db)
	engine := &fakeEngine{
		events: []*ai.TurnEvent{
			{Kind: ai.EventToken, Text: "Hi "},
			{Kind: ai.EventToken, Text: "there."},
		},
	}
	workers := worker.NewManager(store, engine, &fakeTitles{title: "First Chat"})
	authService := auth.NewService(db, nil, time.Hour)
	handler := NewHandler(store, authService, workers)

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testApp{router: router, store: store, engine: engine, db: db}
}

func (app *testApp) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	return rec
}

func (app *testApp) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	rec := app.request(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = app.request(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    username + "@example.com",
		"password": "secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AuthToken string `json:"auth_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AuthToken == "" {
		t.Fatalf("no auth token in login response")
	}
	return resp.AuthToken
}

func decodeSSE(t *testing.T, body string) []worker.ClientEvent {
	t.Helper()
	var events []worker.ClientEvent
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event worker.ClientEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("decode SSE frame %q: %v", line, err)
		}
		events = append(events, event)
	}
	return events
}

func TestChatStreamEndToEnd(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "alice")

	rec := app.request(t, http.MethodPost, "/api/v1/ai/chat", token, gin.H{
		"message": "hello there",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := decodeSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 frames, got %#v", events)
	}
	if events[0].Type != "text" || events[0].Content != "Hi " {
		t.Fatalf("first frame: %#v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Data == nil || last.Data.ThreadID == "" || last.Data.Title != "First Chat" {
		t.Fatalf("terminal frame: %#v", last)
	}

	// the terminal payload is nested under "data" on the wire
	var doneFrame map[string]json.RawMessage
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"done"`) {
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &doneFrame); err != nil {
				t.Fatalf("decode done frame: %v", err)
			}
		}
	}
	if doneFrame == nil {
		t.Fatalf("no done frame in %q", rec.Body.String())
	}
	var payload struct {
		ThreadID string `json:"thread_id"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(doneFrame["data"], &payload); err != nil {
		t.Fatalf("done frame missing data object: %v", err)
	}
	if payload.ThreadID != last.Data.ThreadID || payload.Title != "First Chat" {
		t.Fatalf("done data payload: %#v", payload)
	}
	if _, flat := doneFrame["thread_id"]; flat {
		t.Fatalf("thread_id must not appear at the frame top level")
	}

	// the turn is fully persisted and readable through the API
	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list conversations status = %d", rec.Code)
	}
	var convResp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &convResp); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convResp.Conversations) != 1 || convResp.Conversations[0].Title != "First Chat" {
		t.Fatalf("conversations: %#v", convResp.Conversations)
	}

	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations/"+last.Data.ThreadID+"/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d: %s", rec.Code, rec.Body.String())
	}
	var msgResp struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msgResp); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgResp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgResp.Messages))
	}
	if msgResp.Messages[1].Content != "Hi there." || msgResp.Messages[1].Status != models.StatusCompleted {
		t.Fatalf("assistant message: %#v", msgResp.Messages[1])
	}
}

func TestChatFollowUpKeepsThread(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "bob")

	rec := app.request(t, http.MethodPost, "/api/v1/ai/chat", token, gin.H{"message": "first"})
	first := decodeSSE(t, rec.Body.String())
	threadID := first[len(first)-1].Data.ThreadID

	rec = app.request(t, http.MethodPost, "/api/v1/ai/chat", token, gin.H{
		"message":   "second",
		"thread_id": threadID,
	})
	second := decodeSSE(t, rec.Body.String())
	last := second[len(second)-1]
	if last.Type != "done" || last.Data == nil || last.Data.ThreadID != threadID {
		t.Fatalf("follow-up landed in a different thread: %#v", last)
	}

	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations", token, nil)
	var convResp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &convResp); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convResp.Conversations) != 1 {
		t.Fatalf("follow-up created a new conversation: %#v", convResp.Conversations)
	}
}

func TestChatValidation(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "carol")

	rec := app.request(t, http.MethodPost, "/api/v1/ai/chat", token, gin.H{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank message status = %d", rec.Code)
	}
	rec = app.request(t, http.MethodPost, "/api/v1/ai/chat", "", gin.H{"message": "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}

func TestConversationOwnershipHidden(t *testing.T) {
	app := newTestApp(t)
	owner := app.registerAndLogin(t, "dave")
	stranger := app.registerAndLogin(t, "erin")

	rec := app.request(t, http.MethodPost, "/api/v1/ai/chat", owner, gin.H{"message": "mine"})
	events := decodeSSE(t, rec.Body.String())
	threadID := events[len(events)-1].Data.ThreadID

	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations/"+threadID+"/messages", stranger, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger should see 404, got %d", rec.Code)
	}
	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations/"+threadID+"/messages", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner should see 200, got %d", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "frank")

	rec := app.request(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = app.request(t, http.MethodGet, "/api/v1/ai/conversations", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token should be rejected, got %d", rec.Code)
	}
}

func TestFinanceEndpoints(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "grace")

	ctx := context.Background()
	user, err := app.store.Login(ctx, "grace@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := app.store.CreateTransaction(ctx, models.Transaction{
		UserID: user.ID, Amount: 25, Type: models.TransactionDebit,
		Source: models.SourceManual, Description: "lunch",
		AICategory: "Food & Dining", AIConfidence: 0.9,
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if _, err := app.store.CreateBudgetRule(ctx, user.ID, 300, models.PeriodWeekly); err != nil {
		t.Fatalf("seed budget: %v", err)
	}

	rec := app.request(t, http.MethodGet, "/api/v1/finance/transactions", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lunch") {
		t.Fatalf("transactions response: %d %s", rec.Code, rec.Body.String())
	}
	rec = app.request(t, http.MethodGet, "/api/v1/finance/budgets", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "weekly") {
		t.Fatalf("budgets response: %d %s", rec.Code, rec.Body.String())
	}
	rec = app.request(t, http.MethodGet, "/api/v1/finance/spending-summary", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Food & Dining") {
		t.Fatalf("summary response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateProfileEndpoint(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "heidi")

	rec := app.request(t, http.MethodPatch, "/api/v1/users/me", token, gin.H{
		"monthly_income": 4800,
		"currency":       "gbp",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update profile status = %d: %s", rec.Code, rec.Body.String())
	}
	var user models.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.MonthlyIncome == nil || *user.MonthlyIncome != 4800 || user.Currency != "GBP" {
		t.Fatalf("profile not updated: %#v", user)
	}
}

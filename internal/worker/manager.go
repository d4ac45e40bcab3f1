package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/cloudwego/eino/schema"

	"finassist/internal/service/ai"
	"finassist/internal/service/assistant"
)

const queueLen = 16

// ErrBusy is returned when a user's task queue is full.
var ErrBusy = errors.New("stream queue full")

// ClientEvent is one frame sent to the chat client. Type is one of text,
// tool_update, custom, done, or error. Content carries the payload of
// non-terminal frames; Data is set on done and error frames only.
type ClientEvent struct {
	Type    string        `json:"type"`
	Content any           `json:"content,omitempty"`
	Data    *TerminalData `json:"data,omitempty"`
}

// TerminalData is the payload of a done or error frame. Message is only set
// on errors; the thread id and title let the client adopt a server-assigned
// thread and a freshly generated title in one event.
type TerminalData struct {
	Message  string `json:"message,omitempty"`
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

// StreamRequest describes one chat turn to run. EmitFn delivers client
// events; a failing EmitFn means the client is gone and stops the turn's
// client writes without touching what is already persisted.
type StreamRequest struct {
	Context  context.Context
	UserID   int64
	ThreadID string
	Message  string
	EmitFn   func(ClientEvent) error
}

// Engine produces the model event stream for one turn.
type Engine interface {
	StreamTurn(ctx context.Context, req ai.TurnRequest) (*schema.StreamReader[*ai.TurnEvent], error)
	ModelName() string
	Temperature() float64
	DropHistory(threadID string)
}

// TitleGenerator names a new conversation from its first exchange.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, userText, assistantText string) (string, error)
}

type Manager struct {
	assistant *assistant.Service
	engine    Engine
	titles    TitleGenerator

	mu      sync.Mutex
	workers map[int64]*workerState
}

type streamTask struct {
	req  StreamRequest
	done chan struct{}
}

type workerState struct {
	taskCh chan streamTask
	stopCh chan struct{}
}

func NewManager(asst *assistant.Service, engine Engine, titles TitleGenerator) *Manager {
	return &Manager{
		assistant: asst,
		engine:    engine,
		titles:    titles,
		workers:   make(map[int64]*workerState),
	}
}

// Stream runs one turn on the user's worker and blocks until its terminal
// event has been emitted. Turns for the same user are serialized, which also
// serializes concurrent requests on the same thread id.
func (m *Manager) Stream(req StreamRequest) error {
	task := streamTask{req: req, done: make(chan struct{})}
	for {
		state := m.ensureWorker(req.UserID)

		// enqueue under the lock so a stopping worker either sees the task
		// in its final drain or has already deregistered, never neither
		m.mu.Lock()
		if m.workers[req.UserID] != state {
			m.mu.Unlock()
			continue
		}
		select {
		case state.taskCh <- task:
			m.mu.Unlock()
		default:
			m.mu.Unlock()
			return ErrBusy
		}
		<-task.done
		return nil
	}
}

// Stop shuts down a user's worker and forgets the engine's in-memory
// histories for that user's threads, typically on logout. Queued turns are
// failed rather than silently dropped.
func (m *Manager) Stop(ctx context.Context, userID int64) {
	m.mu.Lock()
	if state, ok := m.workers[userID]; ok {
		close(state.stopCh)
	}
	m.mu.Unlock()

	conversations, err := m.assistant.ListConversations(ctx, userID, 0)
	if err != nil {
		log.Printf("list conversations for user %d on stop: %v", userID, err)
		return
	}
	for _, conv := range conversations {
		m.engine.DropHistory(conv.ThreadID)
	}
}

func (m *Manager) ensureWorker(userID int64) *workerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.workers[userID]; ok {
		return state
	}

	state := &workerState{
		taskCh: make(chan streamTask, queueLen),
		stopCh: make(chan struct{}),
	}
	m.workers[userID] = state
	go m.runWorker(userID, state)
	return state
}

func (m *Manager) runWorker(userID int64, state *workerState) {
	defer func() {
		m.mu.Lock()
		delete(m.workers, userID)
		leftover := collectTasks(state)
		m.mu.Unlock()
		m.failTasks(leftover)
	}()

	for {
		select {
		case <-state.stopCh:
			log.Printf("chat worker for user %d stopped", userID)
			return
		case task := <-state.taskCh:
			m.runTurn(task.req)
			close(task.done)
		}
	}
}

func collectTasks(state *workerState) []streamTask {
	var tasks []streamTask
	for {
		select {
		case task := <-state.taskCh:
			tasks = append(tasks, task)
		default:
			return tasks
		}
	}
}

func (m *Manager) failTasks(tasks []streamTask) {
	for _, task := range tasks {
		m.emitFailure(task.req, task.req.ThreadID, "", errors.New("worker stopped"))
		close(task.done)
	}
}

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/providers"
)

// Subagent task statuses.
const (
	TaskStatusRunning   = "running"
	TaskStatusOK        = "ok"
	TaskStatusError     = "error"
	TaskStatusTimeout   = "timeout"
	TaskStatusCancelled = "cancelled"
)

// ToolLogEntry records one tool invocation made by a subagent.
type ToolLogEntry struct {
	Tool      string    `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
	Preview   string    `json:"preview"`
}

// SubagentTask tracks one background task from spawn to completion.
type SubagentTask struct {
	ID            string          `json:"id"`
	Label         string          `json:"label"`
	Task          string          `json:"task"`
	OriginChannel string          `json:"origin_channel"`
	OriginChatID  string          `json:"origin_chat_id"`
	Status        string          `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	Usage         providers.Usage `json:"usage"`
	ToolLog       []ToolLogEntry  `json:"tool_log,omitempty"`

	cancel context.CancelFunc
}

// SubagentConfig bounds the background tool-use loop.
type SubagentConfig struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	MaxIterations    int           // default 15
	ErrorBackoff     int           // default 3
	Timeout          time.Duration // default 300s
	ProgressInterval time.Duration // default 30s
	CompletedLimit   int           // default 50
}

func (c *SubagentConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 15
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 30 * time.Second
	}
	if c.CompletedLimit <= 0 {
		c.CompletedLimit = 50
	}
}

// SubagentManager runs background tool-use loops. Workers share the bus but
// get their own registry (without message/spawn) and announce completion as
// a system-channel inbound message routed back to the origin chat.
type SubagentManager struct {
	provider    providers.Provider
	cfg         SubagentConfig
	msgBus      *bus.MessageBus
	newRegistry func() *Registry
	buildPrompt func(task, callerContext string) string

	mu       sync.Mutex
	tasks    map[string]*SubagentTask
	finished []string // completion order, oldest first
	workers  sync.WaitGroup
}

func NewSubagentManager(
	provider providers.Provider,
	msgBus *bus.MessageBus,
	newRegistry func() *Registry,
	buildPrompt func(task, callerContext string) string,
	cfg SubagentConfig,
) *SubagentManager {
	cfg.applyDefaults()
	return &SubagentManager{
		provider:    provider,
		cfg:         cfg,
		msgBus:      msgBus,
		newRegistry: newRegistry,
		buildPrompt: buildPrompt,
		tasks:       make(map[string]*SubagentTask),
	}
}

// Spawn starts a background task and returns its ID immediately.
func (sm *SubagentManager) Spawn(task, label, originChannel, originChatID, callerContext string) string {
	if label == "" {
		label = truncateStr(task, 48)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sm.cfg.Timeout)
	t := &SubagentTask{
		ID:            uuid.NewString()[:8],
		Label:         label,
		Task:          task,
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		Status:        TaskStatusRunning,
		StartedAt:     time.Now().UTC(),
		cancel:        cancel,
	}

	sm.mu.Lock()
	sm.tasks[t.ID] = t
	sm.mu.Unlock()

	sm.workers.Add(1)
	go func() {
		defer sm.workers.Done()
		defer cancel()
		sm.runTask(ctx, t, callerContext)
	}()

	return t.ID
}

// snapshotLocked copies a task so callers never hold a reference the worker
// keeps mutating. Must be called with sm.mu held.
func snapshotLocked(t *SubagentTask) SubagentTask {
	c := *t
	c.cancel = nil
	c.ToolLog = append([]ToolLogEntry(nil), t.ToolLog...)
	return c
}

// ListRunning returns copies of the live tasks.
func (sm *SubagentManager) ListRunning() []SubagentTask {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var out []SubagentTask
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			out = append(out, snapshotLocked(t))
		}
	}
	return out
}

// ListAll returns copies of every retained task, running and completed.
func (sm *SubagentManager) ListAll() []SubagentTask {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, snapshotLocked(t))
	}
	return out
}

// GetTask returns a copy of a task by ID.
func (sm *SubagentManager) GetTask(id string) (SubagentTask, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t, ok := sm.tasks[id]
	if !ok {
		return SubagentTask{}, false
	}
	return snapshotLocked(t), true
}

// Cancel stops a running task.
func (sm *SubagentManager) Cancel(id string) bool {
	sm.mu.Lock()
	t, ok := sm.tasks[id]
	if !ok || t.Status != TaskStatusRunning {
		sm.mu.Unlock()
		return false
	}
	cancel := t.cancel
	sm.mu.Unlock()

	// Record the cancel before unblocking the worker, so its exit path sees
	// the terminal status instead of racing to record an error.
	sm.finish(t, TaskStatusCancelled, "cancelled")
	cancel()
	return true
}

func (sm *SubagentManager) taskStatus(t *SubagentTask) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return t.Status
}

// Wait blocks until all workers have exited. Used during shutdown.
func (sm *SubagentManager) Wait() { sm.workers.Wait() }

func (sm *SubagentManager) runTask(ctx context.Context, t *SubagentTask, callerContext string) {
	slog.Info("subagent started", "id", t.ID, "label", t.Label)

	statusDone := make(chan struct{})
	var statusWG sync.WaitGroup
	statusWG.Add(1)
	go func() {
		defer statusWG.Done()
		sm.emitProgress(ctx, t, statusDone)
	}()

	result, err := sm.runLoop(ctx, t, callerContext)
	close(statusDone)
	statusWG.Wait()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		sm.finish(t, TaskStatusTimeout, fmt.Sprintf("timed out after %s", sm.cfg.Timeout))
		sm.announce(t, fmt.Sprintf("Background task %q timed out after %s.", t.Label, sm.cfg.Timeout))
	case sm.taskStatus(t) == TaskStatusCancelled:
		// finish already recorded by Cancel; no announce for explicit cancels.
	case err != nil:
		sm.finish(t, TaskStatusError, err.Error())
		sm.announce(t, fmt.Sprintf("Background task %q failed: %v", t.Label, err))
	default:
		sm.finish(t, TaskStatusOK, result)
		sm.announce(t, result)
	}
}

// runLoop is the subagent's tool-use loop: bounded iterations, a tool-error
// streak, and no message/spawn tools.
func (sm *SubagentManager) runLoop(ctx context.Context, t *SubagentTask, callerContext string) (string, error) {
	registry := sm.newRegistry()
	system := sm.buildPrompt(t.Task, callerContext)

	messages := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: t.Task},
	}

	errorStreak := 0
	for i := 0; i < sm.cfg.MaxIterations; i++ {
		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       registry.Definitions(),
			Model:       sm.cfg.Model,
			MaxTokens:   sm.cfg.MaxTokens,
			Temperature: sm.cfg.Temperature,
		})
		if err != nil {
			return "", err
		}
		if resp.Usage != nil {
			sm.recordUsage(t, *resp.Usage)
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return "Background task completed.", nil
			}
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := registry.ExecuteCalls(ctx, resp.ToolCalls, true)
		for j, result := range results {
			sm.logTool(t, resp.ToolCalls[j].Name, result)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: resp.ToolCalls[j].ID,
			})
			if IsErrorResult(result) {
				errorStreak++
			} else {
				errorStreak = 0
			}
		}

		if errorStreak >= sm.cfg.ErrorBackoff {
			return "Background task hit repeated tool errors. Please rephrase or provide more specific inputs.", nil
		}
	}

	return fmt.Sprintf("Background task stopped after %d iterations without a final response.", sm.cfg.MaxIterations), nil
}

func (sm *SubagentManager) emitProgress(ctx context.Context, t *SubagentTask, done <-chan struct{}) {
	ticker := time.NewTicker(sm.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(t.StartedAt).Round(time.Second)
			sm.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel:  t.OriginChannel,
				ChatID:   t.OriginChatID,
				Content:  fmt.Sprintf("Still working on %q (%s elapsed)...", t.Label, elapsed),
				Metadata: map[string]any{"type": bus.TypeStatus},
			})
		}
	}
}

// announce synthesizes a system-channel inbound message routed back to the
// origin chat; the agent loop summarizes it through an LLM turn.
func (sm *SubagentManager) announce(t *SubagentTask, text string) {
	sm.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:" + t.ID,
		ChatID:   t.OriginChannel + ":" + t.OriginChatID,
		Content:  fmt.Sprintf("Background task %q finished.\n\n%s", t.Label, text),
		Metadata: map[string]any{"subagent_id": t.ID, "subagent_status": sm.taskStatus(t)},
	})
}

func (sm *SubagentManager) finish(t *SubagentTask, status, preview string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t.Status != TaskStatusRunning {
		return
	}
	t.Status = status
	t.FinishedAt = time.Now().UTC()
	t.ResultPreview = truncateStr(preview, 400)

	sm.finished = append(sm.finished, t.ID)
	for len(sm.finished) > sm.cfg.CompletedLimit {
		oldest := sm.finished[0]
		sm.finished = sm.finished[1:]
		delete(sm.tasks, oldest)
	}
	slog.Info("subagent finished", "id", t.ID, "status", status)
}

func (sm *SubagentManager) recordUsage(t *SubagentTask, u providers.Usage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t.Usage.PromptTokens += u.PromptTokens
	t.Usage.CompletionTokens += u.CompletionTokens
	t.Usage.TotalTokens += u.TotalTokens
	t.Usage.Cost += u.Cost
}

func (sm *SubagentManager) logTool(t *SubagentTask, tool, result string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t.ToolLog = append(t.ToolLog, ToolLogEntry{
		Tool:      tool,
		Timestamp: time.Now().UTC(),
		Preview:   truncateStr(result, 200),
	})
}

// Package agent runs the core loop: consume inbound messages, serialize them
// per session with a global concurrency cap, and drive the LLM tool-use loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/providers"
	"github.com/nanoclaw/nanoclaw/internal/session"
	"github.com/nanoclaw/nanoclaw/internal/tools"
)

// Stable response literals; tests assert on these.
const (
	backoffResponse  = "I'm hitting repeated tool errors. Please rephrase or provide more specific inputs."
	emptyResponse    = "I've completed processing but have no response to give."
	nudgeMessage     = "Please reply with a brief summary of what you did."
	errorResponseFmt = "Sorry, I encountered an error: %v"
)

const usageHistoryLimit = 20

// Loop owns the session store, the base tool registry, the subagent manager
// and the provider client, and dispatches inbound bus messages.
type Loop struct {
	cfg       *config.Config
	msgBus    *bus.MessageBus
	provider  providers.Provider
	store     *session.Store
	builder   *ContextBuilder
	base      *tools.Registry
	subagents *tools.SubagentManager

	mu    sync.Mutex
	tails map[string]chan struct{}
	sem   *semaphore.Weighted
	tasks sync.WaitGroup
}

func NewLoop(
	cfg *config.Config,
	msgBus *bus.MessageBus,
	provider providers.Provider,
	store *session.Store,
	builder *ContextBuilder,
	base *tools.Registry,
	subagents *tools.SubagentManager,
) *Loop {
	concurrency := cfg.Agent.MaxConcurrentMessages
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Loop{
		cfg:       cfg,
		msgBus:    msgBus,
		provider:  provider,
		store:     store,
		builder:   builder,
		base:      base,
		subagents: subagents,
		tails:     make(map[string]chan struct{}),
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run consumes inbound messages until ctx is cancelled, then waits for
// in-flight work to settle.
func (l *Loop) Run(ctx context.Context) {
	for {
		msg, ok := l.msgBus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		l.Dispatch(ctx, msg)
	}
	l.tasks.Wait()
	l.store.Flush()
}

// Dispatch routes one inbound message. Messages for the same session key
// process strictly in arrival order; distinct keys run in parallel up to the
// concurrency cap.
func (l *Loop) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	sessionKey := l.effectiveSessionKey(msg)

	l.mu.Lock()
	prev := l.tails[sessionKey]
	done := make(chan struct{})
	l.tails[sessionKey] = done
	l.mu.Unlock()

	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		defer close(done)
		defer func() {
			l.mu.Lock()
			if l.tails[sessionKey] == done {
				delete(l.tails, sessionKey)
			}
			l.mu.Unlock()
		}()

		// FIFO within the session: wait for the previous message first,
		// then for a global slot.
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)

		l.handle(ctx, msg, sessionKey)
	}()
}

// effectiveSessionKey applies the trust rules: only channels on the trusted
// list may override the session key via metadata.
func (l *Loop) effectiveSessionKey(msg bus.InboundMessage) string {
	if override := msg.MetadataString("session_key"); override != "" && l.cfg.TrustsSessionOverride(msg.Channel) {
		return override
	}
	if msg.Channel == "system" {
		// Subagent announcements carry "<channel>:<chat_id>" as their chat
		// id; process them in the origin session.
		return msg.ChatID
	}
	return msg.SessionKey()
}

func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage, sessionKey string) {
	outChannel, outChatID := msg.Channel, msg.ChatID
	if msg.Channel == "system" {
		if ch, chat, ok := strings.Cut(msg.ChatID, ":"); ok {
			outChannel, outChatID = ch, chat
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("message handling panicked", "session", sessionKey, "panic", rec)
			l.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: outChannel,
				ChatID:  outChatID,
				Content: fmt.Sprintf(errorResponseFmt, rec),
			})
		}
	}()

	if control := msg.Control(); control != nil {
		l.handleControl(control, outChannel, outChatID)
		return
	}

	final, err := l.runToolLoop(ctx, msg, sessionKey, outChannel, outChatID)
	if err != nil {
		slog.Error("tool loop failed", "session", sessionKey, "error", err)
		l.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: outChannel,
			ChatID:  outChatID,
			Content: fmt.Sprintf(errorResponseFmt, err),
		})
		return
	}

	l.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  outChannel,
		ChatID:   outChatID,
		Content:  final,
		Metadata: map[string]any{"type": bus.TypeAssistant},
	})
}

// handleControl serves control operations synchronously, without an LLM turn.
func (l *Loop) handleControl(control map[string]any, channel, chatID string) {
	action, _ := control["action"].(string)
	var content string

	switch action {
	case "subagent_list":
		data, _ := json.Marshal(l.subagents.ListAll())
		content = string(data)
	case "subagent_spawn":
		task, _ := control["task"].(string)
		label, _ := control["label"].(string)
		id := l.subagents.Spawn(task, label, channel, chatID, "")
		content = fmt.Sprintf(`{"spawned":%q}`, id)
	case "subagent_cancel":
		id, _ := control["task_id"].(string)
		content = fmt.Sprintf(`{"cancelled":%t}`, l.subagents.Cancel(id))
	default:
		content = fmt.Sprintf(`{"error":"unknown control action %q"}`, action)
	}

	l.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]any{"type": bus.TypeSubagents},
	})
}

// requestRegistry builds the request-scoped registry: base tools plus fresh
// message and spawn tools bound to this chat, with the session's tool
// restrictions applied.
func (l *Loop) requestRegistry(sess *session.Session, channel, chatID string) *tools.Registry {
	registry := l.base.Clone()
	registry.Register(tools.NewMessageTool(l.msgBus, channel, chatID))
	if l.subagents != nil {
		registry.Register(tools.NewSpawnTool(l.subagents, channel, chatID))
		registry.Register(tools.NewSubagentControlTool(l.subagents))
	}

	// A session-level restrict_to_workspace overrides the configured default;
	// the filesystem and exec tools are re-registered with the override.
	if raw, ok := sess.Meta("restrict_to_workspace"); ok {
		if restrict, ok := raw.(bool); ok && restrict != l.cfg.Tools.Exec.RestrictToWorkspace {
			ws := l.cfg.WorkspacePath()
			registry.Register(tools.NewReadFileTool(ws, restrict))
			registry.Register(tools.NewWriteFileTool(ws, restrict))
			registry.Register(tools.NewEditFileTool(ws, restrict))
			registry.Register(tools.NewListDirTool(ws, restrict))
			registry.Register(tools.NewExecTool(ws, l.cfg.ExecTimeout(), restrict))
		}
	}

	if raw, ok := sess.Meta("allowed_tools"); ok {
		if list, ok := raw.([]any); ok {
			var allowed []string
			for _, v := range list {
				if s, ok := v.(string); ok {
					allowed = append(allowed, s)
				}
			}
			registry.SetAllowed(allowed)
		}
	}
	return registry
}

func (l *Loop) runToolLoop(ctx context.Context, msg bus.InboundMessage, sessionKey, channel, chatID string) (string, error) {
	sess := l.store.GetOrCreate(sessionKey)
	registry := l.requestRegistry(sess, channel, chatID)

	scope := sessionKey
	if l.cfg.Agent.MemoryScope == "user" {
		scope = msg.SenderID
	}

	history := sess.History()
	system := l.builder.BuildSystemPrompt(ctx, scope, msg.Content, history, nil)
	messages := l.builder.BuildMessages(system, history, msg.Content, msg.Media)

	model := msg.MetadataString("model")
	if model == "" {
		model = sess.MetaString("model")
	}
	if model == "" {
		model = l.cfg.Agent.Model
	}

	maxIterations := l.cfg.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}
	backoffLimit := l.cfg.Agent.ToolErrorBackoff
	if backoffLimit <= 0 {
		backoffLimit = 3
	}

	var (
		final       string
		errorStreak int
		nudged      bool
		lastStatus  time.Time
		lastUsage   providers.Usage
		toolsUsed   bool
	)

	for i := 0; i < maxIterations; i++ {
		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       registry.Definitions(),
			Model:       model,
			MaxTokens:   l.effectiveMaxTokens(sess),
			Temperature: l.cfg.Agent.Temperature,
		})
		if err != nil {
			return "", err
		}
		if resp.Usage != nil {
			l.recordUsage(sess, *resp.Usage)
			lastUsage = *resp.Usage
		}

		if len(resp.ToolCalls) > 0 {
			toolsUsed = true
			messages = append(messages, providers.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			results := registry.ExecuteCalls(ctx, resp.ToolCalls, true)
			for j, result := range results {
				messages = append(messages, providers.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: resp.ToolCalls[j].ID,
				})
				if tools.IsErrorResult(result) {
					errorStreak++
				} else {
					errorStreak = 0
				}
			}

			if errorStreak >= backoffLimit {
				final = backoffResponse
				break
			}

			lastStatus = l.maybeEmitStatus(channel, chatID, resp.ToolCalls, lastStatus)
			continue
		}

		if strings.TrimSpace(resp.Content) == "" && !nudged {
			nudged = true
			messages = append(messages, providers.Message{Role: "user", Content: nudgeMessage})
			continue
		}

		final = resp.Content
		break
	}

	if strings.TrimSpace(final) == "" {
		final = emptyResponse
	} else if !toolsUsed {
		l.autoTune(sess, lastUsage)
	}

	sess.Append("user", msg.Content)
	sess.Append("assistant", final)
	sess.Trim(2 * l.cfg.Agent.HistoryRetention)
	l.store.SaveAsync(sess)

	return final, nil
}

// maybeEmitStatus sends at most one throttled status message per iteration.
func (l *Loop) maybeEmitStatus(channel, chatID string, calls []providers.ToolCall, last time.Time) time.Time {
	interval := l.statusMinInterval()
	if interval < 0 || time.Since(last) < interval {
		return last
	}

	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	l.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  "Working: " + strings.Join(names, ", "),
		Metadata: map[string]any{"type": bus.TypeStatus},
	})
	return time.Now()
}

func (l *Loop) statusMinInterval() time.Duration {
	switch l.cfg.Agent.Verbosity {
	case "quiet":
		return -1
	case "verbose":
		return 0
	default:
		return 10 * time.Second
	}
}

// recordUsage keeps a ring buffer of recent usage in session metadata and
// warns on prompt-token spikes.
func (l *Loop) recordUsage(sess *session.Session, u providers.Usage) {
	rawHistory, _ := sess.Meta("usage_history")
	history, _ := rawHistory.([]any)
	history = append(history, map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	})
	if len(history) > usageHistoryLimit {
		history = history[len(history)-usageHistoryLimit:]
	}
	sess.SetMeta("usage_history", history)

	rawPeak, _ := sess.Meta("peak_prompt_tokens")
	peak, _ := rawPeak.(float64)
	if float64(u.PromptTokens) > peak {
		if peak > 0 && float64(u.PromptTokens) > 1.5*peak && u.PromptTokens > 2000 {
			slog.Warn("prompt token spike", "session", sess.Key, "prompt_tokens", u.PromptTokens, "previous_peak", int(peak))
		}
		sess.SetMeta("peak_prompt_tokens", float64(u.PromptTokens))
	}

	rawCost, _ := sess.Meta("total_cost")
	cost, _ := rawCost.(float64)
	sess.SetMeta("total_cost", cost+u.Cost)
}

// effectiveMaxTokens applies the session override from auto-tuning, bounded
// by the configured cap.
func (l *Loop) effectiveMaxTokens(sess *session.Session) int {
	limit := l.cfg.Agent.MaxTokens
	raw, _ := sess.Meta("max_tokens_override")
	if override, ok := raw.(float64); ok && override > 0 {
		if int(override) < limit {
			return int(override)
		}
		return limit
	}
	if l.cfg.Agent.AutoTuneMaxTokens && l.cfg.Agent.InitialMaxTokens > 0 && l.cfg.Agent.InitialMaxTokens < limit {
		return l.cfg.Agent.InitialMaxTokens
	}
	return limit
}

// autoTune raises the session's max_tokens override after consecutive
// near-limit completions on no-tool-call turns.
func (l *Loop) autoTune(sess *session.Session, u providers.Usage) {
	if !l.cfg.Agent.AutoTuneMaxTokens {
		return
	}

	used := l.effectiveMaxTokens(sess)
	rawStreak, _ := sess.Meta("auto_tune_streak")
	streak, _ := rawStreak.(float64)

	if float64(u.CompletionTokens) >= l.cfg.Agent.AutoTuneThreshold*float64(used) {
		streak++
	} else {
		streak = 0
	}

	if int(streak) >= l.cfg.Agent.AutoTuneStreak {
		next := used + l.cfg.Agent.AutoTuneStep
		if next > l.cfg.Agent.MaxTokens {
			next = l.cfg.Agent.MaxTokens
		}
		sess.SetMeta("max_tokens_override", float64(next))
		streak = 0
		slog.Info("raised max_tokens", "session", sess.Key, "max_tokens", next)
	}
	sess.SetMeta("auto_tune_streak", streak)
}

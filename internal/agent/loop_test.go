package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/providers"
	"github.com/nanoclaw/nanoclaw/internal/session"
	"github.com/nanoclaw/nanoclaw/internal/tools"
)

// stubProvider delegates Chat to a test-supplied function.
type stubProvider struct {
	chat func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

func (p *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.chat(ctx, req)
}
func (p *stubProvider) DefaultModel() string { return "stub-model" }
func (p *stubProvider) Name() string         { return "stub" }

type loopHarness struct {
	loop   *Loop
	bus    *bus.MessageBus
	cfg    *config.Config
	cancel context.CancelFunc
}

func newLoopHarness(t *testing.T, cfg *config.Config, provider providers.Provider) *loopHarness {
	t.Helper()
	msgBus := bus.NewMessageBus()
	store, err := session.NewStore(t.TempDir(), cfg.Agent.HistoryRetention)
	if err != nil {
		t.Fatal(err)
	}
	builder := NewContextBuilder(cfg, nil, nil)
	base := tools.NewRegistry()
	subagents := tools.NewSubagentManager(provider, msgBus, tools.NewRegistry,
		func(task, callerContext string) string { return "worker" }, tools.SubagentConfig{})

	loop := NewLoop(cfg, msgBus, provider, store, builder, base, subagents)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)
	return &loopHarness{loop: loop, bus: msgBus, cfg: cfg, cancel: cancel}
}

// nextAssistant consumes outbound messages until a non-status one arrives.
func (h *loopHarness) nextAssistant(t *testing.T) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, ok := h.bus.ConsumeOutbound(ctx)
		if !ok {
			t.Fatal("timed out waiting for outbound message")
		}
		if msg.Type() == bus.TypeStatus {
			continue
		}
		return msg
	}
}

func TestPerSessionOrderingUnderLoad(t *testing.T) {
	var calls atomic.Int32
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		n := calls.Add(1)
		if n == 1 {
			// Slow first call: without per-session FIFO the second message
			// would overtake it.
			time.Sleep(100 * time.Millisecond)
		}
		userMsg := req.Messages[len(req.Messages)-1].Content
		return &providers.ChatResponse{Content: "echo " + userMsg}, nil
	}}

	h := newLoopHarness(t, testConfig(t), provider)
	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c1", Content: "first"})
	time.Sleep(time.Millisecond)
	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c1", Content: "second"})

	if got := h.nextAssistant(t).Content; got != "echo first" {
		t.Errorf("first outbound = %q", got)
	}
	if got := h.nextAssistant(t).Content; got != "echo second" {
		t.Errorf("second outbound = %q", got)
	}
}

func TestCrossSessionParallelism(t *testing.T) {
	entered := make(chan string, 2)
	release := make(chan struct{})
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		entered <- "in"
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &providers.ChatResponse{Content: "done"}, nil
	}}

	cfg := testConfig(t)
	cfg.Agent.MaxConcurrentMessages = 2
	h := newLoopHarness(t, cfg, provider)

	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "a", Content: "x"})
	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "b", Content: "y"})

	// Both sessions must enter the provider concurrently.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run in parallel")
		}
	}
	close(release)
	h.nextAssistant(t)
	h.nextAssistant(t)
}

func TestMessageToolIsRequestScoped(t *testing.T) {
	// Each session's assistant calls message with no explicit destination;
	// the replies must route to the originating chats.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			return &providers.ChatResponse{Content: "finished"}, nil
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		userMsg := last.Content
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{
				ID:        "t1",
				Name:      "message",
				Arguments: map[string]any{"content": "note for " + userMsg},
			}},
		}, nil
	}}

	cfg := testConfig(t)
	cfg.Agent.MaxConcurrentMessages = 2
	h := newLoopHarness(t, cfg, provider)

	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "alpha", Content: "alpha"})
	h.bus.PublishInbound(bus.InboundMessage{Channel: "telegram", SenderID: "u", ChatID: "beta", Content: "beta"})
	<-started
	<-started
	close(release)

	// Collect the two immediate notes plus the two final replies.
	byChat := map[string][]string{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(byChat["alpha"])+len(byChat["beta"]) < 4 {
		msg, ok := h.bus.ConsumeOutbound(ctx)
		if !ok {
			t.Fatal("timed out collecting outbound messages")
		}
		if msg.Type() == bus.TypeStatus {
			continue
		}
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg.Content)
	}

	for _, chat := range []string{"alpha", "beta"} {
		for _, content := range byChat[chat] {
			if strings.HasPrefix(content, "note for ") && content != "note for "+chat {
				t.Errorf("cross-talk: chat %s received %q", chat, content)
			}
		}
	}
}

func TestToolErrorStreakAborts(t *testing.T) {
	var providerCalls atomic.Int32
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		providerCalls.Add(1)
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{
				ID: fmt.Sprintf("t%d", providerCalls.Load()), Name: "always_fails", Arguments: map[string]any{},
			}},
		}, nil
	}}

	cfg := testConfig(t)
	cfg.Agent.ToolErrorBackoff = 2
	h := newLoopHarness(t, cfg, provider)
	h.loop.base.Register(&failingTool{})

	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c", Content: "go"})

	if got := h.nextAssistant(t).Content; got != backoffResponse {
		t.Errorf("final = %q, want backoff literal", got)
	}
	if n := providerCalls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

type failingTool struct{}

func (t *failingTool) Name() string            { return "always_fails" }
func (t *failingTool) Description() string     { return "always fails" }
func (t *failingTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (t *failingTool) MaxRetries() int         { return 0 }
func (t *failingTool) Execute(context.Context, map[string]any) string {
	return "Error: tool failed"
}

func TestEmptyContentNudgedOnce(t *testing.T) {
	var sawNudge atomic.Bool
	var calls atomic.Int32
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if calls.Add(1) == 1 {
			return &providers.ChatResponse{Content: ""}, nil
		}
		if req.Messages[len(req.Messages)-1].Content == nudgeMessage {
			sawNudge.Store(true)
		}
		return &providers.ChatResponse{Content: "summary"}, nil
	}}

	h := newLoopHarness(t, testConfig(t), provider)
	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c", Content: "do it"})

	if got := h.nextAssistant(t).Content; got != "summary" {
		t.Errorf("final = %q", got)
	}
	if !sawNudge.Load() {
		t.Error("nudge message never sent to provider")
	}
}

func TestIterationCapFallsBack(t *testing.T) {
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{ID: "t", Name: "noop", Arguments: map[string]any{}}},
		}, nil
	}}

	cfg := testConfig(t)
	cfg.Agent.MaxToolIterations = 2
	h := newLoopHarness(t, cfg, provider)
	h.loop.base.Register(&noopTool{})

	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c", Content: "loop"})
	if got := h.nextAssistant(t).Content; got != emptyResponse {
		t.Errorf("final = %q, want empty-response literal", got)
	}
}

type noopTool struct{}

func (t *noopTool) Name() string           { return "noop" }
func (t *noopTool) Description() string    { return "does nothing" }
func (t *noopTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (t *noopTool) Execute(context.Context, map[string]any) string {
	return "ok"
}

func TestSessionRestrictOverrideRebindsFileTools(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(outside, []byte("outside data"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The assistant reads an absolute path outside the workspace and echoes
	// the tool result back as its reply.
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			return &providers.ChatResponse{Content: last.Content}, nil
		}
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{
				ID: "t1", Name: "read_file", Arguments: map[string]any{"path": outside},
			}},
		}, nil
	}}

	cfg := testConfig(t)
	if !cfg.Tools.Exec.RestrictToWorkspace {
		t.Fatal("default config should restrict to workspace")
	}
	h := newLoopHarness(t, cfg, provider)
	h.loop.store.GetOrCreate("webui:c").SetMeta("restrict_to_workspace", false)

	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c", Content: "read my notes"})
	if got := h.nextAssistant(t).Content; got != "outside data" {
		t.Errorf("final = %q, want the file contents", got)
	}
}

func TestSystemChannelRoutesToOrigin(t *testing.T) {
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "summarized"}, nil
	}}

	h := newLoopHarness(t, testConfig(t), provider)
	h.bus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:x",
		ChatID:   "webui:chat9",
		Content:  "Background task finished.",
	})

	out := h.nextAssistant(t)
	if out.Channel != "webui" || out.ChatID != "chat9" {
		t.Errorf("routed to %s/%s, want webui/chat9", out.Channel, out.ChatID)
	}
	if out.Content != "summarized" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestProviderErrorBecomesApology(t *testing.T) {
	provider := &stubProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, fmt.Errorf("upstream exploded")
	}}

	h := newLoopHarness(t, testConfig(t), provider)
	h.bus.PublishInbound(bus.InboundMessage{Channel: "webui", SenderID: "u", ChatID: "c", Content: "hi"})

	got := h.nextAssistant(t).Content
	if !strings.HasPrefix(got, "Sorry, I encountered an error:") || !strings.Contains(got, "upstream exploded") {
		t.Errorf("content = %q", got)
	}
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/providers"
)

// stubTool is a configurable tool for registry tests.
type stubTool struct {
	name     string
	schema   map[string]any
	parallel bool
	cacheKey func(map[string]any) string
	execute  func(context.Context, map[string]any) string
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Schema() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object"}
}
func (t *stubTool) ParallelSafe() bool { return t.parallel }
func (t *stubTool) CacheKey(args map[string]any) string {
	if t.cacheKey == nil {
		return ""
	}
	return t.cacheKey(args)
}
func (t *stubTool) Execute(ctx context.Context, args map[string]any) string {
	return t.execute(ctx, args)
}

func TestExecuteValidatesSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "greet",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"who": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []any{"who"},
		},
		execute: func(context.Context, map[string]any) string { return "hi" },
	})

	result := r.Execute(context.Background(), "greet", map[string]any{})
	if !strings.HasPrefix(result, "Error: Invalid parameters") {
		t.Errorf("result = %q, want invalid-parameters error", result)
	}

	result = r.Execute(context.Background(), "greet", map[string]any{"who": "world"})
	if result != "hi" {
		t.Errorf("result = %q, want hi", result)
	}
}

func TestExecuteUnknownAndDisallowed(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "a", execute: func(context.Context, map[string]any) string { return "ok" }})

	if got := r.Execute(context.Background(), "nope", nil); !strings.Contains(got, "not found") {
		t.Errorf("unknown tool result = %q", got)
	}

	r.SetAllowed([]string{"other"})
	if got := r.Execute(context.Background(), "a", nil); !strings.Contains(got, "not permitted") {
		t.Errorf("disallowed tool result = %q", got)
	}
}

func TestCacheSingleExecutionAcrossConcurrentCallers(t *testing.T) {
	var executions atomic.Int32
	release := make(chan struct{})

	r := NewRegistry()
	r.Register(&stubTool{
		name:     "slow",
		parallel: true,
		cacheKey: func(map[string]any) string { return "fixed" },
		execute: func(context.Context, map[string]any) string {
			executions.Add(1)
			<-release
			return "computed"
		},
	})

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Execute(context.Background(), "slow", nil)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := executions.Load(); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
	for i, got := range results {
		if got != "computed" {
			t.Errorf("result[%d] = %q", i, got)
		}
	}

	// Serial caller after completion hits the cache.
	if got := r.Execute(context.Background(), "slow", nil); got != "computed" {
		t.Errorf("cached result = %q", got)
	}
	if n := executions.Load(); n != 1 {
		t.Errorf("executions after cache hit = %d, want 1", n)
	}
}

func TestRetryableErrorsRetriedPermanentNot(t *testing.T) {
	var transientCalls, permanentCalls atomic.Int32

	r := NewRegistry()
	r.Register(&stubTool{
		name: "flaky",
		execute: func(context.Context, map[string]any) string {
			if transientCalls.Add(1) < 3 {
				return "Error: temporary glitch"
			}
			return "recovered"
		},
	})
	r.Register(&stubTool{
		name: "denied",
		execute: func(context.Context, map[string]any) string {
			permanentCalls.Add(1)
			return "Error: path not permitted outside workspace"
		},
	})

	if got := r.Execute(context.Background(), "flaky", nil); got != "recovered" {
		t.Errorf("flaky result = %q", got)
	}
	if n := transientCalls.Load(); n != 3 {
		t.Errorf("flaky executions = %d, want 3", n)
	}

	r.Execute(context.Background(), "denied", nil)
	if n := permanentCalls.Load(); n != 1 {
		t.Errorf("permanent error retried: executions = %d, want 1", n)
	}
}

func TestErrorsNotCached(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "failing",
		cacheKey: func(map[string]any) string { return "k" },
		execute: func(context.Context, map[string]any) string {
			calls.Add(1)
			return "Error: tool not found: inner"
		},
	})

	r.Execute(context.Background(), "failing", nil)
	r.Execute(context.Background(), "failing", nil)
	if n := calls.Load(); n != 2 {
		t.Errorf("error result was cached: executions = %d, want 2", n)
	}
}

func TestExecuteCallsPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "par",
		parallel: true,
		execute: func(_ context.Context, args map[string]any) string {
			n, _ := args["n"].(float64)
			time.Sleep(time.Duration(10-int(n)) * time.Millisecond)
			return fmt.Sprintf("par-%v", n)
		},
	})
	r.Register(&stubTool{
		name: "seq",
		execute: func(_ context.Context, args map[string]any) string {
			n, _ := args["n"].(float64)
			return fmt.Sprintf("seq-%v", n)
		},
	})

	calls := []providers.ToolCall{
		{ID: "1", Name: "par", Arguments: map[string]any{"n": float64(1)}},
		{ID: "2", Name: "par", Arguments: map[string]any{"n": float64(2)}},
		{ID: "3", Name: "seq", Arguments: map[string]any{"n": float64(3)}},
		{ID: "4", Name: "par", Arguments: map[string]any{"n": float64(4)}},
	}
	results := r.ExecuteCalls(context.Background(), calls, true)

	want := []string{"par-1", "par-2", "seq-3", "par-4"}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result[%d] = %q, want %q", i, results[i], want[i])
		}
	}
}

func TestDefinitionsRespectAllowedAndOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b", execute: func(context.Context, map[string]any) string { return "" }})
	r.Register(&stubTool{name: "a", execute: func(context.Context, map[string]any) string { return "" }})

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Function.Name != "b" || defs[1].Function.Name != "a" {
		t.Errorf("definitions out of registration order: %+v", defs)
	}

	r.SetAllowed([]string{"a"})
	defs = r.Definitions()
	if len(defs) != 1 || defs[0].Function.Name != "a" {
		t.Errorf("allowed filter not applied: %+v", defs)
	}
}

func TestCloneIsolatesToolSet(t *testing.T) {
	base := NewRegistry()
	base.Register(&stubTool{name: "shared", execute: func(context.Context, map[string]any) string { return "ok" }})

	clone := base.Clone()
	clone.Register(&stubTool{name: "scoped", execute: func(context.Context, map[string]any) string { return "ok" }})

	if base.Has("scoped") {
		t.Error("request-scoped tool leaked into base registry")
	}
	if !clone.Has("shared") {
		t.Error("clone missing base tool")
	}
}

func TestExecutePanicBecomesErrorString(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:    "boom",
		execute: func(context.Context, map[string]any) string { panic("kaboom") },
	})

	got := r.Execute(context.Background(), "boom", nil)
	if !strings.HasPrefix(got, "Error:") || !strings.Contains(got, "kaboom") {
		t.Errorf("panic result = %q", got)
	}
}

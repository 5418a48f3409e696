package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nanoclaw/nanoclaw/internal/providers"
)

const (
	defaultMaxRetries  = 2
	defaultParallelism = 8
)

// Registry holds an ordered name → Tool mapping and executes calls with
// validation, caching, in-flight deduplication and bounded retries.
//
// The base registry is built once at startup; each inbound request clones it
// so that request-bound tools (message, spawn) never leak routing defaults
// across concurrent chats. Clones share the result cache and in-flight table.
type Registry struct {
	mu      sync.Mutex
	order   []string
	tools   map[string]Tool
	allowed map[string]bool // nil = everything allowed

	shared *execState
}

// execState is shared between the base registry and its request clones.
type execState struct {
	cache    *resultCache
	schemas  sync.Map // tool name → *jsonschema.Schema
	inMu     sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done   chan struct{}
	result string
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		shared: &execState{
			cache:    newResultCache(defaultCacheCapacity),
			inflight: make(map[string]*inflightCall),
		},
	}
}

// Clone returns a request-scoped copy sharing the cache and in-flight table.
func (r *Registry) Clone() *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Registry{
		order:  append([]string(nil), r.order...),
		tools:  make(map[string]Tool, len(r.tools)),
		shared: r.shared,
	}
	for name, t := range r.tools {
		c.tools[name] = t
	}
	if r.allowed != nil {
		c.allowed = make(map[string]bool, len(r.allowed))
		for name := range r.allowed {
			c.allowed[name] = true
		}
	}
	return c
}

// Register adds or replaces a tool, preserving first-registration order.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetAllowed restricts the registry to the named tools. nil clears the
// restriction.
func (r *Registry) SetAllowed(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

func (r *Registry) isAllowed(name string) bool {
	if r.allowed == nil {
		return true
	}
	return r.allowed[name]
}

// Definitions returns provider-shaped definitions for the allowed tools in
// registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var defs []providers.ToolDefinition
	for _, name := range r.order {
		if !r.isAllowed(name) {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}

// Execute runs one tool call. All failure paths return marker strings; this
// method never returns an error or panics.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panic", "tool", name, "panic", rec)
			result = Errorf("tool %s crashed: %v", name, rec)
		}
	}()

	r.mu.Lock()
	t, ok := r.tools[name]
	allowed := r.isAllowed(name)
	r.mu.Unlock()

	if !ok {
		return Errorf("tool not found: %s", name)
	}
	if !allowed {
		return Errorf("tool %s is not permitted", name)
	}

	if err := r.validateArgs(t, args); err != nil {
		return Errorf("Invalid parameters for %s: %v", name, err)
	}

	cacheKey := ""
	if c, ok := t.(cacheable); ok {
		if k := c.CacheKey(args); k != "" {
			cacheKey = name + ":" + k
		}
	}

	if cacheKey != "" {
		if v, hit := r.shared.cache.get(cacheKey); hit {
			return v
		}

		// Deduplicate concurrent identical calls: the first caller executes,
		// the rest wait on its result.
		r.shared.inMu.Lock()
		if call, running := r.shared.inflight[cacheKey]; running {
			r.shared.inMu.Unlock()
			select {
			case <-call.done:
				return call.result
			case <-ctx.Done():
				return Errorf("tool %s cancelled: %v", name, ctx.Err())
			}
		}
		call := &inflightCall{done: make(chan struct{})}
		r.shared.inflight[cacheKey] = call
		r.shared.inMu.Unlock()

		result = r.executeWithRetries(ctx, t, args)
		if r.cacheResult(t, result) {
			ttl := time.Duration(0)
			if withTTL, ok := t.(cacheTTL); ok {
				ttl = withTTL.CacheTTL()
			}
			r.shared.cache.put(cacheKey, result, ttl)
		}

		call.result = result
		close(call.done)
		r.shared.inMu.Lock()
		delete(r.shared.inflight, cacheKey)
		r.shared.inMu.Unlock()
		return result
	}

	return r.executeWithRetries(ctx, t, args)
}

func (r *Registry) executeWithRetries(ctx context.Context, t Tool, args map[string]any) string {
	retries := defaultMaxRetries
	if mr, ok := t.(maxRetrier); ok {
		retries = mr.MaxRetries()
	}

	var result string
	for attempt := 0; ; attempt++ {
		result = t.Execute(ctx, args)
		if !IsRetryableResult(result) || attempt >= retries {
			return result
		}
		if ctx.Err() != nil {
			return result
		}
		slog.Debug("retrying tool", "tool", t.Name(), "attempt", attempt+1, "result", truncateStr(result, 120))
	}
}

func (r *Registry) cacheResult(t Tool, result string) bool {
	if sc, ok := t.(shouldCacher); ok {
		return sc.ShouldCache(result)
	}
	return !IsErrorResult(result)
}

// validateArgs checks args against the tool's JSON Schema. Compiled schemas
// are cached per tool.
func (r *Registry) validateArgs(t Tool, args map[string]any) error {
	v, ok := r.shared.schemas.Load(t.Name())
	if !ok {
		raw, err := json.Marshal(t.Schema())
		if err != nil {
			return fmt.Errorf("schema marshal: %w", err)
		}
		compiled, err := jsonschema.CompileString(t.Name()+".json", string(raw))
		if err != nil {
			return fmt.Errorf("schema compile: %w", err)
		}
		v, _ = r.shared.schemas.LoadOrStore(t.Name(), compiled)
	}
	schema := v.(*jsonschema.Schema)

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects regardless of how the provider decoded them.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}

// ExecuteCalls runs a sequence of tool calls, preserving result order. With
// allowParallel, maximal runs of parallel-safe tools execute concurrently
// under a bounded errgroup; everything else runs sequentially.
func (r *Registry) ExecuteCalls(ctx context.Context, calls []providers.ToolCall, allowParallel bool) []string {
	results := make([]string, len(calls))

	i := 0
	for i < len(calls) {
		if !allowParallel || !r.callParallelSafe(calls[i].Name) {
			results[i] = r.Execute(ctx, calls[i].Name, calls[i].Arguments)
			i++
			continue
		}

		// Maximal run of parallel-safe calls starting at i.
		j := i + 1
		for j < len(calls) && r.callParallelSafe(calls[j].Name) {
			j++
		}
		if j == i+1 {
			results[i] = r.Execute(ctx, calls[i].Name, calls[i].Arguments)
			i++
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(defaultParallelism)
		for k := i; k < j; k++ {
			g.Go(func() error {
				results[k] = r.Execute(gctx, calls[k].Name, calls[k].Arguments)
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}

	return results
}

func (r *Registry) callParallelSafe(name string) bool {
	r.mu.Lock()
	t, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if ps, ok := t.(parallelSafe); ok {
		return ps.ParallelSafe()
	}
	return false
}

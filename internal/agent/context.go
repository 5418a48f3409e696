package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/providers"
	"github.com/nanoclaw/nanoclaw/internal/session"
	"github.com/nanoclaw/nanoclaw/internal/skills"
)

// sectionSeparator joins the system prompt sections.
const sectionSeparator = "\n\n---\n\n"

// bootstrapFiles are assembled into the system prompt in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

const memoryHitMaxChars = 400
const memoryQueryTurns = 10

// ContextBuilder assembles the system prompt and message list for LLM calls.
// Sections are cached against signatures capturing everything that would
// change them; the memory section is never cached because its query depends
// on the current user message.
type ContextBuilder struct {
	cfg    *config.Config
	memory *memory.Index
	skills *skills.Loader

	mu    sync.Mutex
	cache map[string]promptSection
}

type promptSection struct {
	sig  string
	text string
}

func NewContextBuilder(cfg *config.Config, mem *memory.Index, sk *skills.Loader) *ContextBuilder {
	return &ContextBuilder{
		cfg:    cfg,
		memory: mem,
		skills: sk,
		cache:  make(map[string]promptSection),
	}
}

// BuildSystemPrompt assembles identity, bootstrap, retrieved memory and
// skills into one prompt for the given scope and user message.
func (b *ContextBuilder) BuildSystemPrompt(ctx context.Context, scope, userMsg string, history []session.Message, requestedSkills []string) string {
	sections := []string{
		b.identitySection(scope),
		b.bootstrapSection(),
		b.memorySection(ctx, scope, userMsg, history),
		b.skillsSection(requestedSkills),
	}

	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, sectionSeparator)
}

// identitySection is generated fresh each call: it embeds the current time.
func (b *ContextBuilder) identitySection(scope string) string {
	var sb strings.Builder
	sb.WriteString("You are nanoclaw, a personal AI assistant running on the user's own machine.\n\n")
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Workspace: %s\n", b.cfg.WorkspacePath())
	fmt.Fprintf(&sb, "Memory database: %s (scope %q)\n", b.cfg.MemoryDBPath(), scope)
	sb.WriteString("\nFiles you create live in the workspace. Use tools to read, write and run things; reply to the user in plain language.")

	if b.cfg.Agent.EncourageDelegation {
		sb.WriteString("\n\nFor multi-step or long-running work, delegate aggressively: spawn background subagents for independent subtasks and let them report back, instead of doing everything inline.")
	}
	return sb.String()
}

// bootstrapSection concatenates the workspace bootstrap documents, cached by
// their (path, mtime) tuples.
func (b *ContextBuilder) bootstrapSection() string {
	workspace := b.cfg.WorkspacePath()
	budget := b.cfg.Agent.BootstrapMaxChars

	var sig strings.Builder
	fmt.Fprintf(&sig, "budget=%d", budget)
	var present []string
	for _, name := range bootstrapFiles {
		path := filepath.Join(workspace, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		present = append(present, path)
		fmt.Fprintf(&sig, ";%s|%d", path, info.ModTime().UnixNano())
	}
	if len(present) == 0 {
		return ""
	}

	if text, ok := b.cached("bootstrap", sig.String()); ok {
		return text
	}

	var sb strings.Builder
	for _, path := range present {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", filepath.Base(path), strings.TrimSpace(string(data)))
	}

	text := TruncateHead(sb.String(), budget, "bootstrap")
	b.store("bootstrap", sig.String(), text)
	return text
}

// memorySection retrieves entries for the current message plus recent user
// turns, from global scope and the active scope, de-duplicated.
func (b *ContextBuilder) memorySection(ctx context.Context, scope, userMsg string, history []session.Message) string {
	if b.memory == nil {
		return ""
	}

	query := b.memoryQuery(userMsg, history)
	scopes := []string{memory.ScopeGlobal}
	if scope != "" && scope != memory.ScopeGlobal {
		scopes = append(scopes, scope)
	}
	for _, s := range scopes {
		b.memory.IngestScopeFiles(ctx, b.cfg.WorkspacePath(), s)
	}

	hits, err := b.memory.Search(ctx, scopes, query, 20)
	if err != nil || len(hits) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	var lines []string
	for _, h := range hits {
		line := clipRunes(strings.Join(strings.Fields(h.Content), " "), memoryHitMaxChars)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, "- "+line)
	}
	if len(lines) == 0 {
		return ""
	}

	text := "Retrieved memory (may be relevant):\n" + strings.Join(lines, "\n")
	return TruncateTail(text, b.cfg.Agent.MemoryMaxChars, "memory")
}

// memoryQuery combines the current message with the last user turns.
func (b *ContextBuilder) memoryQuery(userMsg string, history []session.Message) string {
	parts := []string{userMsg}
	count := 0
	for i := len(history) - 1; i >= 0 && count < memoryQueryTurns; i-- {
		if history[i].Role != "user" {
			continue
		}
		parts = append(parts, history[i].Content)
		count++
	}
	return strings.Join(parts, " ")
}

// skillsSection inlines always-on and requested skills plus the XML summary.
// The cache signature includes skill file mtimes and the availability
// fingerprint, so changing an env var or installing a binary invalidates it.
func (b *ContextBuilder) skillsSection(requested []string) string {
	if b.skills == nil {
		return ""
	}
	gate := skills.NewGate()
	budget := b.cfg.Agent.SkillsMaxChars

	always := b.skills.AlwaysSkills(gate)
	alwaysSet := make(map[string]bool, len(always))
	for _, name := range always {
		alwaysSet[name] = true
	}
	var extra []string
	for _, name := range requested {
		if !alwaysSet[name] {
			extra = append(extra, name)
		}
	}

	var sig strings.Builder
	fmt.Fprintf(&sig, "budget=%d;req=%s;avail=%s", budget, strings.Join(extra, ","), b.skills.AvailabilitySignature(gate))
	for _, s := range b.skills.List() {
		if info, err := os.Stat(s.Path); err == nil {
			fmt.Fprintf(&sig, ";%s|%d", s.Path, info.ModTime().UnixNano())
		}
	}

	if text, ok := b.cached("skills", sig.String()); ok {
		return text
	}

	var parts []string
	if inline := b.skills.LoadForContext(append(append([]string(nil), always...), extra...)); inline != "" {
		parts = append(parts, inline)
	}
	if summary := b.skills.Summary(gate); summary != "" {
		parts = append(parts, "Available skills (load with read_file when needed):\n"+summary)
	}
	if len(parts) == 0 {
		return ""
	}

	text := TruncateTail(strings.Join(parts, "\n\n"), budget, "skills")
	b.store("skills", sig.String(), text)
	return text
}

func (b *ContextBuilder) cached(kind, sig string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.cache[kind]; ok && s.sig == sig {
		return s.text, true
	}
	return "", false
}

func (b *ContextBuilder) store(kind, sig, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[kind] = promptSection{sig: sig, text: text}
}

// BuildMessages produces [system] + trimmed history + the user message,
// attaching media as multimodal content parts.
func (b *ContextBuilder) BuildMessages(system string, history []session.Message, userMsg string, media []string) []providers.Message {
	messages := []providers.Message{{Role: "system", Content: system}}
	messages = append(messages, b.trimHistory(history)...)
	messages = append(messages, b.userMessage(userMsg, media))
	return messages
}

// trimHistory drops messages from the front until the total fits the budget,
// then prepends a synthetic notice about the omission.
func (b *ContextBuilder) trimHistory(history []session.Message) []providers.Message {
	budget := b.cfg.Agent.HistoryMaxChars

	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	dropped := 0
	for total > budget && dropped < len(history) {
		total -= len(history[dropped].Content)
		dropped++
	}

	var out []providers.Message
	if dropped > 0 {
		out = append(out, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("%d earlier messages were omitted to fit the context window.", dropped),
		})
	}
	for _, m := range history[dropped:] {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls})
	}
	return out
}

// userMessage builds the final user message; media files become data-URL
// parts (images and PDFs only, everything else is ignored).
func (b *ContextBuilder) userMessage(userMsg string, media []string) providers.Message {
	if len(media) == 0 {
		return providers.Message{Role: "user", Content: userMsg}
	}

	parts := []providers.ContentPart{{Type: "text", Text: userMsg}}
	for _, path := range media {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		switch mime := mediaMIME(path); {
		case strings.HasPrefix(mime, "image/"):
			parts = append(parts, providers.ContentPart{
				Type:     "image_url",
				ImageURL: &providers.ImageURLPart{URL: fmt.Sprintf("data:%s;base64,%s", mime, encoded)},
			})
		case mime == "application/pdf":
			parts = append(parts, providers.ContentPart{
				Type: "file",
				File: &providers.FilePart{
					Filename: filepath.Base(path),
					FileData: "data:application/pdf;base64," + encoded,
				},
			})
		}
	}

	if len(parts) == 1 {
		return providers.Message{Role: "user", Content: userMsg}
	}
	return providers.Message{Role: "user", Parts: parts}
}

func mediaMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return ""
	}
}

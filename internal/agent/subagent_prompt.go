package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/skills"
)

// SubagentPromptBuilder returns the focused system prompt function handed to
// the subagent manager: a short identity plus enriched sections, each
// clamped to its own budget.
func SubagentPromptBuilder(cfg *config.Config, mem *memory.Index, sk *skills.Loader) func(task, callerContext string) string {
	return func(task, callerContext string) string {
		var sections []string

		var id strings.Builder
		id.WriteString("You are a focused background worker for the nanoclaw assistant.\n\n")
		fmt.Fprintf(&id, "Current time: %s\n", time.Now().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(&id, "Workspace: %s\n", cfg.WorkspacePath())
		id.WriteString("\nComplete the task below using your tools, staying inside the workspace. Finish with a concise result summary; you cannot message the user directly.")
		sections = append(sections, id.String())

		if excerpt := bootstrapExcerpt(cfg.WorkspacePath()); excerpt != "" {
			sections = append(sections, TruncateHead(excerpt, cfg.Agent.SubagentBootstrapChars, "bootstrap"))
		}

		if mem != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			mem.IngestScopeFiles(ctx, cfg.WorkspacePath(), memory.ScopeGlobal)
			hits, err := mem.Search(ctx, []string{memory.ScopeGlobal}, task, 10)
			cancel()
			if err == nil && len(hits) > 0 {
				var lines []string
				for _, h := range hits {
					lines = append(lines, "- "+strings.Join(strings.Fields(h.Content), " "))
				}
				text := "Relevant memory:\n" + strings.Join(lines, "\n")
				sections = append(sections, TruncateTail(text, cfg.Agent.SubagentMemoryChars, "memory"))
			}
		}

		if sk != nil {
			if summary := sk.Summary(skills.NewGate()); summary != "" {
				sections = append(sections, TruncateTail(summary, cfg.Agent.SubagentSkillsChars, "skills"))
			}
		}

		if strings.TrimSpace(callerContext) != "" {
			sections = append(sections, TruncateTail("Context from the requester:\n"+callerContext, cfg.Agent.SubagentContextChars, "context"))
		}

		return strings.Join(sections, sectionSeparator)
	}
}

// bootstrapExcerpt concatenates whichever bootstrap files exist, unbudgeted;
// the caller clamps it.
func bootstrapExcerpt(workspace string) string {
	var sb strings.Builder
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", name, strings.TrimSpace(string(data)))
	}
	return sb.String()
}

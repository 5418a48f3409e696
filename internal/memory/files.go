package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Long-term notes live in MEMORY.md; transient observations go into a daily
// file. Non-global scopes get their own subdirectory under memory/.
const longTermFile = "MEMORY.md"

var unsafeScopeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ScopeDir returns the directory holding a scope's memory files.
func ScopeDir(workspace, scope string) string {
	if scope == "" || scope == ScopeGlobal {
		return filepath.Join(workspace, "memory")
	}
	return filepath.Join(workspace, "memory", unsafeScopeChars.ReplaceAllString(scope, "_"))
}

// ScopeFiles returns the files that feed a scope: long-term notes plus
// today's daily file. The paths may not exist yet.
func ScopeFiles(workspace, scope string) []string {
	dir := ScopeDir(workspace, scope)
	return []string{
		filepath.Join(dir, longTermFile),
		filepath.Join(dir, time.Now().Format("2006-01-02")+".md"),
	}
}

// IngestScopeFiles indexes whichever of the scope's files exist. Unchanged
// files are skipped by the mtime gate.
func (idx *Index) IngestScopeFiles(ctx context.Context, workspace, scope string) {
	for _, path := range ScopeFiles(workspace, scope) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := idx.IngestFileIfChanged(ctx, scope, path); err != nil {
			slog.Warn("memory ingest failed", "path", path, "error", err)
		}
	}
}

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// resolvePath maps a tool-supplied path onto the filesystem. With restrict
// set, relative paths resolve under workspace and anything escaping the
// workspace root is rejected.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !restrict {
		if filepath.IsAbs(path) {
			return filepath.Clean(path), nil
		}
		return filepath.Clean(filepath.Join(workspace, path)), nil
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	root := filepath.Clean(workspace)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path not permitted outside workspace: %s", path)
	}
	return resolved, nil
}

// sanitizeUTF8 replaces invalid byte sequences so file contents always fit
// in a JSON string.
func sanitizeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// ReadFileTool reads a file. Cacheable: the key includes mtime and size so
// edits invalidate automatically. Parallel-safe.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a file and return its contents as text"
}
func (t *ReadFileTool) ParallelSafe() bool { return true }

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) CacheKey(args map[string]any) string {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ""
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s|%d|%d", resolved, info.ModTime().UnixNano(), info.Size())
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("file not found: %s", path)
		}
		return Errorf("reading %s: %v", path, err)
	}
	return sanitizeUTF8(data)
}

// WriteFileTool writes a file, creating parent directories. Not
// parallel-safe, not cacheable.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it and any parent directories"
}

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf("creating directories for %s: %v", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf("writing %s: %v", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path)
}

// EditFileTool performs an exactly-once text replacement. Not parallel-safe.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text fragment in a file; old_text must occur exactly once"
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []any{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if oldText == "" {
		return Errorf("Invalid parameters: old_text must not be empty")
	}

	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("file not found: %s", path)
		}
		return Errorf("reading %s: %v", path, err)
	}

	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return Errorf("old_text not found in %s", path)
	}
	if count > 1 {
		return Errorf("old_text appears %d times. Provide more surrounding context so the match is unique.", count)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return Errorf("writing %s: %v", path, err)
	}
	return fmt.Sprintf("Edited %s", path)
}

// ListDirTool lists a directory. Parallel-safe.
type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List the entries of a directory"
}
func (t *ListDirTool) ParallelSafe() bool { return true }

func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path, relative to the workspace; defaults to the workspace root",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) string {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("directory not found: %s", path)
		}
		return Errorf("listing %s: %v", path, err)
	}
	if len(entries) == 0 {
		return "(empty directory)"
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

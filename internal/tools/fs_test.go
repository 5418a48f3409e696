package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	original := "foo\nbar\nfoo"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	got := edit.Execute(context.Background(), map[string]any{
		"path": "f.txt", "old_text": "foo", "new_text": "baz",
	})
	if !strings.HasPrefix(got, "Error: old_text appears 2 times.") {
		t.Errorf("result = %q", got)
	}

	data, _ := os.ReadFile(path)
	if string(data) != original {
		t.Errorf("file modified on ambiguous edit: %q", data)
	}

	got = edit.Execute(context.Background(), map[string]any{
		"path": "f.txt", "old_text": "bar", "new_text": "qux",
	})
	if strings.HasPrefix(got, "Error:") {
		t.Fatalf("unique edit failed: %q", got)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "foo\nqux\nfoo" {
		t.Errorf("file = %q", data)
	}
}

func TestEditFileMissingOldText(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewEditFileTool(ws, true)
	got := edit.Execute(context.Background(), map[string]any{
		"path": "f.txt", "old_text": "absent", "new_text": "x",
	})
	if !strings.Contains(got, "not found") {
		t.Errorf("result = %q", got)
	}
}

func TestReadFileCacheKeyTracksMtime(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	args := map[string]any{"path": "f.txt"}
	key1 := read.CacheKey(args)
	if key1 == "" {
		t.Fatal("empty cache key for existing file")
	}

	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("v2 longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	key2 := read.CacheKey(args)
	if key1 == key2 {
		t.Error("cache key unchanged after modification")
	}
	if got := read.Execute(context.Background(), args); got != "v2 longer" {
		t.Errorf("content = %q", got)
	}
}

func TestReadThroughRegistryReturnsNewContentAfterEdit(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	r.Register(NewReadFileTool(ws, true))

	args := map[string]any{"path": "f.txt"}
	if got := r.Execute(context.Background(), "read_file", args); got != "old" {
		t.Fatalf("first read = %q", got)
	}

	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if got := r.Execute(context.Background(), "read_file", args); got != "new" {
		t.Errorf("read after change = %q, want new", got)
	}
}

func TestWorkspaceRestriction(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)

	got := read.Execute(context.Background(), map[string]any{"path": "../outside.txt"})
	if !strings.Contains(got, "not permitted") {
		t.Errorf("escape result = %q", got)
	}

	got = read.Execute(context.Background(), map[string]any{"path": "/etc/passwd"})
	if !strings.Contains(got, "not permitted") {
		t.Errorf("absolute path result = %q", got)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)

	got := write.Execute(context.Background(), map[string]any{
		"path": "deep/nested/f.txt", "content": "hello",
	})
	if strings.HasPrefix(got, "Error:") {
		t.Fatalf("write failed: %q", got)
	}
	data, err := os.ReadFile(filepath.Join(ws, "deep", "nested", "f.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("data = %q, err = %v", data, err)
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	list := NewListDirTool(ws, true)
	got := list.Execute(context.Background(), map[string]any{})
	if got != "a.txt\nsub/" {
		t.Errorf("listing = %q", got)
	}
}

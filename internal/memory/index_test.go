package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChunkText(t *testing.T) {
	text := "short\n\n" +
		"This paragraph is long enough to keep.\n\n" +
		strings.Repeat("x", 1200) + "\n\n" +
		"Another keeper paragraph here."

	chunks := ChunkText(text)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0] != "This paragraph is long enough to keep." {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if len(chunks[1]) != maxChunkChars {
		t.Errorf("oversized chunk len = %d, want %d", len(chunks[1]), maxChunkChars)
	}
}

func TestQueryTokens(t *testing.T) {
	tokens := queryTokens("What's the Wi-Fi password? (again)")
	want := []string{"what", "the", "wi", "fi", "password", "again"}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, tokens[i], want[i])
		}
	}

	many := queryTokens(strings.Repeat("word ", 30))
	if len(many) != 16 {
		t.Errorf("token cap = %d, want 16", len(many))
	}

	if got := queryTokens("!!! ?? a"); got != nil {
		t.Errorf("single-char-only query tokens = %v, want none", got)
	}
}

func TestIngestAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	dir := t.TempDir()
	ctx := context.Background()

	path := writeSource(t, dir, "notes.md",
		"The deployment password lives in the vault.\n\nLunch is usually at noon.")
	if err := idx.IngestFileIfChanged(ctx, "global", path); err != nil {
		t.Fatalf("IngestFileIfChanged: %v", err)
	}

	hits, err := idx.Search(ctx, []string{"global"}, "where is the deployment password", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if !strings.Contains(hits[0].Content, "vault") {
		t.Errorf("top hit = %q", hits[0].Content)
	}
}

func TestIngestMtimeGated(t *testing.T) {
	idx := newTestIndex(t)
	dir := t.TempDir()
	ctx := context.Background()

	path := writeSource(t, dir, "notes.md", "Original content for the index here.")
	if err := idx.IngestFileIfChanged(ctx, "global", path); err != nil {
		t.Fatal(err)
	}

	// Unchanged mtime: reingest is a no-op even if we could not tell from
	// the outside. Changed content with a bumped mtime replaces entries.
	if err := os.WriteFile(path, []byte("Replacement content for the index here."), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := idx.IngestFileIfChanged(ctx, "global", path); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, []string{"global"}, "replacement content", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	hits, err = idx.Search(ctx, []string{"global"}, "original content", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if strings.Contains(h.Content, "Original") {
			t.Errorf("stale entry survived reingest: %q", h.Content)
		}
	}
}

func TestSearchScopeIsolation(t *testing.T) {
	idx := newTestIndex(t)
	dir := t.TempDir()
	ctx := context.Background()

	globalPath := writeSource(t, dir, "global.md", "Shared team conventions document.")
	chatPath := writeSource(t, dir, "chat.md", "Private conversation conventions notes.")
	if err := idx.IngestFileIfChanged(ctx, "global", globalPath); err != nil {
		t.Fatal(err)
	}
	if err := idx.IngestFileIfChanged(ctx, "webui:chat1", chatPath); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, []string{"global", "webui:chat1"}, "conventions", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("union hits = %d, want 2", len(hits))
	}

	hits, err = idx.Search(ctx, []string{"webui:chat2"}, "conventions", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("foreign scope hits = %d, want 0", len(hits))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	idx := newTestIndex(t)
	hits, err := idx.Search(context.Background(), []string{"global"}, "???", 5)
	if err != nil {
		t.Fatal(err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want none", hits)
	}
}

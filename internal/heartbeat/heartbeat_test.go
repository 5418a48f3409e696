package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTickCallsCallbackWhenFileHasTasks(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, FileName), []byte("Do the thing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var prompts []string
	svc := NewService(ws, time.Hour, func(ctx context.Context, prompt string) error {
		prompts = append(prompts, prompt)
		return nil
	})
	svc.tick(context.Background())

	if len(prompts) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(prompts))
	}
	if prompts[0] != Prompt {
		t.Errorf("prompt = %q", prompts[0])
	}
}

func TestTickSkipsWhenFileEffectivelyEmpty(t *testing.T) {
	ws := t.TempDir()
	content := "# Tasks\n\n- [ ]\n- [x] already done\n<!-- keep this file -->\n"
	if err := os.WriteFile(filepath.Join(ws, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	called := false
	svc := NewService(ws, time.Hour, func(ctx context.Context, prompt string) error {
		called = true
		return nil
	})
	svc.tick(context.Background())

	if called {
		t.Error("callback invoked for empty checklist")
	}
}

func TestTickSkipsWhenFileMissing(t *testing.T) {
	called := false
	svc := NewService(t.TempDir(), time.Hour, func(ctx context.Context, prompt string) error {
		called = true
		return nil
	})
	svc.tick(context.Background())
	if called {
		t.Error("callback invoked without a heartbeat file")
	}
}

func TestHasActionableContent(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"", false},
		{"# Header only\n", false},
		{"- [ ]\n", false},
		{"- [x] shipped\n", false},
		{"- [ ] water the plants\n", true},
		{"check the backups\n", true},
	}
	for _, tc := range cases {
		if got := hasActionableContent(tc.content); got != tc.want {
			t.Errorf("hasActionableContent(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

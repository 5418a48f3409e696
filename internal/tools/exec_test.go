package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecDenyPatterns(t *testing.T) {
	tool := NewExecTool(t.TempDir(), 0, false)

	for _, cmd := range []string{
		"rm -rf /",
		"sudo whoami",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown now",
	} {
		got := tool.Execute(context.Background(), map[string]any{"command": cmd})
		if !strings.Contains(got, "blocked by safety guard") {
			t.Errorf("command %q not blocked: %q", cmd, got)
		}
	}
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	tool := NewExecTool(t.TempDir(), 0, false)

	got := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if !strings.Contains(got, "hello") {
		t.Errorf("output = %q", got)
	}

	got = tool.Execute(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if !strings.Contains(got, "exited with code 3") {
		t.Errorf("exit code missing: %q", got)
	}
	if !strings.Contains(got, "oops") {
		t.Errorf("stderr missing: %q", got)
	}
}

func TestExecTimeout(t *testing.T) {
	tool := NewExecTool(t.TempDir(), 100*time.Millisecond, false)
	got := tool.Execute(context.Background(), map[string]any{"command": "sleep 5"})
	if !strings.Contains(got, "timed out") {
		t.Errorf("result = %q", got)
	}
}

func TestExecWorkspaceRestriction(t *testing.T) {
	tool := NewExecTool(t.TempDir(), 0, true)

	got := tool.Execute(context.Background(), map[string]any{"command": "cd /etc && ls"})
	if !strings.Contains(got, "not permitted") {
		t.Errorf("cd escape allowed: %q", got)
	}

	got = tool.Execute(context.Background(), map[string]any{"command": "cat /etc/passwd"})
	if !strings.Contains(got, "not permitted") {
		t.Errorf("absolute path allowed: %q", got)
	}

	got = tool.Execute(context.Background(), map[string]any{"command": "echo fine"})
	if strings.HasPrefix(got, "Error:") {
		t.Errorf("workspace-relative command blocked: %q", got)
	}
}

func TestSanitizedEnvStripsSecrets(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"OPENAI_API_KEY=sk-secret",
		"MY_SERVICE_TOKEN=tok",
		"DB_PASSWORD=pw",
		"CUSTOM_ACCESS_KEY=ak",
		"SOME_SECRET=sec",
		"SOME_SECRET_KEY=sk",
		"NOT_A_SECRET_VALUE=keep",
	}
	out := sanitizedEnv(environ)

	joined := strings.Join(out, "\n")
	for _, banned := range []string{"OPENAI_API_KEY", "MY_SERVICE_TOKEN", "DB_PASSWORD", "CUSTOM_ACCESS_KEY", "SOME_SECRET=", "SOME_SECRET_KEY"} {
		if strings.Contains(joined, banned) {
			t.Errorf("secret %q leaked into child env", banned)
		}
	}
	for _, kept := range []string{"PATH=/usr/bin", "HOME=/home/u", "NOT_A_SECRET_VALUE=keep"} {
		if !strings.Contains(joined, kept) {
			t.Errorf("benign var %q dropped", kept)
		}
	}
}

func TestExecChildDoesNotSeeSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-secret")
	tool := NewExecTool(t.TempDir(), 0, false)

	got := tool.Execute(context.Background(), map[string]any{"command": "echo key=$OPENAI_API_KEY"})
	if strings.Contains(got, "sk-test-secret") {
		t.Errorf("secret visible to child process: %q", got)
	}
}

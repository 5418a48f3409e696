package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const execOutputCap = 10000

// Deny patterns for destructive commands. Best-effort guardrails, not a
// security boundary.
var execDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-z]*[rf]`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|fdisk|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bsudo\b`),
}

// Env vars stripped from the child environment regardless of name shape.
var execEnvBlocklist = map[string]bool{
	"OPENAI_API_KEY":     true,
	"ANTHROPIC_API_KEY":  true,
	"OPENROUTER_API_KEY": true,
	"BRAVE_API_KEY":      true,
	"FIRECRAWL_API_KEY":  true,
	"TELEGRAM_BOT_TOKEN": true,
	"AWS_ACCESS_KEY_ID":  true,
	"AWS_SECRET_ACCESS_KEY": true,
}

// Name shapes that indicate secrets.
var execSecretNameRe = regexp.MustCompile(`(_API_KEY|_ACCESS_KEY|_SECRET(_KEY)?|_TOKEN|PASSWORD)$`)

// cd/pushd targets are checked against the workspace when restricted.
var execChdirRe = regexp.MustCompile(`\b(?:cd|chdir|pushd)\s+([^\s;&|]+)`)

// ExecTool runs shell commands with a timeout, deny patterns, secret
// stripping, and optional workspace confinement.
type ExecTool struct {
	workspace string
	timeout   time.Duration
	restrict  bool
}

func NewExecTool(workspace string, timeout time.Duration, restrict bool) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{workspace: workspace, timeout: timeout, restrict: restrict}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its output"
}

func (t *ExecTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []any{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) string {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return Errorf("Invalid parameters: command must not be empty")
	}

	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(command) {
			return Errorf("command blocked by safety guard: matches %s", pattern.String())
		}
	}

	if t.restrict {
		if reason := t.escapesWorkspace(command); reason != "" {
			return Errorf("command not permitted: %s", reason)
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return Errorf("%v", err)
		}
		cwd = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = sanitizedEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var out strings.Builder
	if stdout.Len() > 0 {
		out.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n")
		out.WriteString(stderr.String())
	}

	result := out.String()
	if len(result) > execOutputCap {
		result = result[:execOutputCap] + "\n[output truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return Errorf("command timed out after %s", t.timeout)
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		if result == "" {
			result = err.Error()
		}
		return Errorf("command exited with code %d:\n%s", exitCode, result)
	}

	if result == "" {
		return "(command completed with no output)"
	}
	return result
}

// escapesWorkspace reports why a command would leave the workspace: an
// absolute path argument or a cd/pushd to a location outside the root.
func (t *ExecTool) escapesWorkspace(command string) string {
	root := filepath.Clean(t.workspace)

	for _, m := range execChdirRe.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(m[1], `"'`)
		if target == "-" || target == "" {
			continue
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(root, resolved)
		}
		resolved = filepath.Clean(resolved)
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return fmt.Sprintf("cd outside workspace: %s", target)
		}
	}

	for _, field := range strings.Fields(command) {
		field = strings.Trim(field, `"'`)
		if strings.HasPrefix(field, "/") && !strings.HasPrefix(filepath.Clean(field), root) {
			return fmt.Sprintf("absolute path outside workspace: %s", field)
		}
	}
	return ""
}

// sanitizedEnv drops likely-secret variables from the child environment.
func sanitizedEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if execEnvBlocklist[name] || execSecretNameRe.MatchString(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

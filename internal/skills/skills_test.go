package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const weatherSkill = `---
description: Check the weather
requires:
  env:
    - WEATHER_API_KEY
---
Use the weather API to fetch forecasts.
`

const greeterSkill = `---
description: Greet people warmly
always: true
---
Always say hello first.
`

func TestListWorkspaceShadowsBuiltin(t *testing.T) {
	workspace := t.TempDir()
	builtin := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "greeter", greeterSkill)
	writeSkill(t, builtin, "greeter", "---\ndescription: builtin greeter\n---\nbody\n")
	writeSkill(t, builtin, "weather", weatherSkill)

	l := NewLoader(workspace, builtin)
	list := l.List()
	if len(list) != 2 {
		t.Fatalf("skills = %d, want 2", len(list))
	}
	for _, s := range list {
		if s.Name == "greeter" && s.Source != "workspace" {
			t.Errorf("greeter source = %q, want workspace", s.Source)
		}
	}
}

func TestLoadStripsFrontmatter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "greeter", greeterSkill)

	l := NewLoader(workspace, "")
	body := l.Load("greeter")
	if strings.Contains(body, "---") || strings.Contains(body, "description:") {
		t.Errorf("frontmatter leaked into body: %q", body)
	}
	if !strings.Contains(body, "Always say hello first.") {
		t.Errorf("body = %q", body)
	}
}

func TestAlwaysSkillsRespectRequirements(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "greeter", greeterSkill)
	writeSkill(t, filepath.Join(workspace, "skills"), "gated", `---
description: Gated skill
always: true
requires:
  env:
    - NANOCLAW_TEST_MISSING_ENV
---
body
`)

	t.Setenv("NANOCLAW_TEST_MISSING_ENV", "")
	l := NewLoader(workspace, "")
	names := l.AlwaysSkills(NewGate())
	if len(names) != 1 || names[0] != "greeter" {
		t.Errorf("always skills = %v, want [greeter]", names)
	}
}

func TestSummaryListsMissingRequirements(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "weather", weatherSkill)

	t.Setenv("WEATHER_API_KEY", "")
	l := NewLoader(workspace, "")
	summary := l.Summary(NewGate())
	if !strings.Contains(summary, `<skill available="false">`) {
		t.Errorf("summary missing unavailable flag:\n%s", summary)
	}
	if !strings.Contains(summary, "ENV: WEATHER_API_KEY") {
		t.Errorf("summary missing requirement:\n%s", summary)
	}

	t.Setenv("WEATHER_API_KEY", "k")
	summary = l.Summary(NewGate())
	if !strings.Contains(summary, `<skill available="true">`) {
		t.Errorf("summary should be available with env set:\n%s", summary)
	}
}

func TestAvailabilitySignatureChangesWithEnv(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "weather", weatherSkill)
	l := NewLoader(workspace, "")

	t.Setenv("WEATHER_API_KEY", "")
	before := l.AvailabilitySignature(NewGate())

	t.Setenv("WEATHER_API_KEY", "k")
	after := l.AvailabilitySignature(NewGate())

	if before == after {
		t.Error("signature unchanged after env change")
	}
}

func TestMalformedFrontmatterDegrades(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, "skills"), "broken", "---\n: : not yaml [\n---\nbody text here\n")

	l := NewLoader(workspace, "")
	list := l.List()
	if len(list) != 1 {
		t.Fatalf("skills = %d, want 1", len(list))
	}
	if list[0].Meta.Description != "" {
		t.Errorf("description = %q, want empty", list[0].Meta.Description)
	}
	if body := l.Load("broken"); !strings.Contains(body, "body text here") {
		t.Errorf("body = %q", body)
	}
}

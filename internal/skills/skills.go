// Package skills discovers and loads SKILL.md capability packs. A skill is a
// directory containing SKILL.md with YAML frontmatter; workspace skills
// shadow builtin skills of the same name.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Requires declares what a skill needs to be usable.
type Requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// Metadata is the parsed SKILL.md frontmatter.
type Metadata struct {
	Description string   `yaml:"description"`
	Always      bool     `yaml:"always"`
	Requires    Requires `yaml:"requires"`
}

// Skill is one discovered capability pack.
type Skill struct {
	Name   string
	Source string // "workspace" or "builtin"
	Path   string
	Meta   Metadata
}

// Loader discovers skills under the workspace and an optional builtin
// directory. Parsed frontmatter and content are cached by file mtime.
type Loader struct {
	workspaceDir string
	builtinDir   string

	mu        sync.Mutex
	metaCache map[string]cachedMeta
	bodyCache map[string]cachedBody
}

type cachedMeta struct {
	mtimeNS int64
	meta    Metadata
}

type cachedBody struct {
	mtimeNS int64
	body    string
}

// NewLoader creates a loader rooted at workspace. builtinDir may be empty.
func NewLoader(workspace, builtinDir string) *Loader {
	return &Loader{
		workspaceDir: filepath.Join(workspace, "skills"),
		builtinDir:   builtinDir,
		metaCache:    make(map[string]cachedMeta),
		bodyCache:    make(map[string]cachedBody),
	}
}

// ResolvePath maps a skill name to its SKILL.md, workspace first.
func (l *Loader) ResolvePath(name string) string {
	p := filepath.Join(l.workspaceDir, name, "SKILL.md")
	if fileExists(p) {
		return p
	}
	if l.builtinDir != "" {
		p = filepath.Join(l.builtinDir, name, "SKILL.md")
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// List returns all discovered skills sorted by name, workspace entries
// shadowing builtin entries with the same name.
func (l *Loader) List() []Skill {
	seen := make(map[string]bool)
	var out []Skill

	for _, root := range []struct{ dir, source string }{
		{l.workspaceDir, "workspace"},
		{l.builtinDir, "builtin"},
	} {
		if root.dir == "" {
			continue
		}
		entries, err := os.ReadDir(root.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			path := filepath.Join(root.dir, e.Name(), "SKILL.md")
			if !fileExists(path) {
				continue
			}
			seen[e.Name()] = true
			out = append(out, Skill{
				Name:   e.Name(),
				Source: root.source,
				Path:   path,
				Meta:   l.metadata(path),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns a skill's body with the frontmatter stripped, or "" when the
// skill does not exist.
func (l *Loader) Load(name string) string {
	path := l.ResolvePath(name)
	if path == "" {
		return ""
	}

	mtime := mtimeNS(path)
	l.mu.Lock()
	if c, ok := l.bodyCache[path]; ok && c.mtimeNS == mtime {
		l.mu.Unlock()
		return c.body
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	_, body := splitFrontmatter(string(data))
	body = strings.TrimSpace(body)

	l.mu.Lock()
	l.bodyCache[path] = cachedBody{mtimeNS: mtime, body: body}
	l.mu.Unlock()
	return body
}

// LoadForContext formats the named skills for prompt inclusion.
func (l *Loader) LoadForContext(names []string) string {
	var parts []string
	for _, name := range names {
		body := l.Load(name)
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", name, body))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// AlwaysSkills returns the names of always-on skills whose requirements are
// currently satisfied.
func (l *Loader) AlwaysSkills(gate *Gate) []string {
	var names []string
	for _, s := range l.List() {
		if s.Meta.Always && len(gate.Missing(s.Meta.Requires)) == 0 {
			names = append(names, s.Name)
		}
	}
	return names
}

// Summary builds the XML skills overview: every skill with its availability
// and, when unavailable, its missing requirements. The agent reads the full
// SKILL.md with read_file when it needs one.
func (l *Loader) Summary(gate *Gate) string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<skills>\n")
	for _, s := range all {
		missing := gate.Missing(s.Meta.Requires)
		available := len(missing) == 0

		desc := s.Meta.Description
		if desc == "" {
			desc = s.Name
		}

		fmt.Fprintf(&b, "  <skill available=%q>\n", fmt.Sprintf("%t", available))
		fmt.Fprintf(&b, "    <name>%s</name>\n", escapeXML(s.Name))
		fmt.Fprintf(&b, "    <description>%s</description>\n", escapeXML(desc))
		fmt.Fprintf(&b, "    <location>%s</location>\n", escapeXML(s.Path))
		if !available {
			fmt.Fprintf(&b, "    <requires>%s</requires>\n", escapeXML(strings.Join(missing, ", ")))
		}
		b.WriteString("  </skill>\n")
	}
	b.WriteString("</skills>")
	return b.String()
}

// AvailabilitySignature returns a stable fingerprint of every skill's
// requirement state: resolved binary paths and env presence. Prompt caches
// key on this so an env change invalidates the skills summary.
func (l *Loader) AvailabilitySignature(gate *Gate) string {
	var parts []string
	for _, s := range l.List() {
		bins := append([]string(nil), s.Meta.Requires.Bins...)
		envs := append([]string(nil), s.Meta.Requires.Env...)
		sort.Strings(bins)
		sort.Strings(envs)

		var b strings.Builder
		b.WriteString(s.Name)
		for _, bin := range bins {
			fmt.Fprintf(&b, "|bin:%s=%s", bin, gate.BinPath(bin))
		}
		for _, env := range envs {
			fmt.Fprintf(&b, "|env:%s=%t", env, gate.EnvSet(env))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// metadata parses and caches a skill file's frontmatter.
func (l *Loader) metadata(path string) Metadata {
	mtime := mtimeNS(path)
	l.mu.Lock()
	if c, ok := l.metaCache[path]; ok && c.mtimeNS == mtime {
		l.mu.Unlock()
		return c.meta
	}
	l.mu.Unlock()

	var meta Metadata
	if data, err := os.ReadFile(path); err == nil {
		front, _ := splitFrontmatter(string(data))
		if front != "" {
			// Malformed frontmatter degrades to an empty metadata, which
			// keeps the skill listed with its name as description.
			_ = yaml.Unmarshal([]byte(front), &meta)
		}
	}

	l.mu.Lock()
	l.metaCache[path] = cachedMeta{mtimeNS: mtime, meta: meta}
	l.mu.Unlock()
	return meta
}

// splitFrontmatter separates "---" fenced YAML frontmatter from the body.
func splitFrontmatter(content string) (front, body string) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", content
	}
	front = rest[:idx]
	body = rest[idx+4:]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, body
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func mtimeNS(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

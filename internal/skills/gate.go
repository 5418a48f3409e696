package skills

import (
	"os"
	"os/exec"
	"sync"
)

// Gate answers requirement checks against the current environment. Lookups
// are cached for the Gate's lifetime, so build one per prompt assembly to
// observe env changes between assemblies.
type Gate struct {
	mu   sync.Mutex
	bins map[string]string
	envs map[string]bool
}

func NewGate() *Gate {
	return &Gate{
		bins: make(map[string]string),
		envs: make(map[string]bool),
	}
}

// BinPath resolves a binary on PATH, returning "" when absent.
func (g *Gate) BinPath(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.bins[name]; ok {
		return p
	}
	p, err := exec.LookPath(name)
	if err != nil {
		p = ""
	}
	g.bins[name] = p
	return p
}

// EnvSet reports whether an environment variable is set and non-empty.
func (g *Gate) EnvSet(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.envs[name]; ok {
		return v
	}
	set := os.Getenv(name) != ""
	g.envs[name] = set
	return set
}

// Missing lists unmet requirements in presentation form ("CLI: jq",
// "ENV: BRAVE_API_KEY"). Empty means the skill is available.
func (g *Gate) Missing(req Requires) []string {
	var missing []string
	for _, bin := range req.Bins {
		if g.BinPath(bin) == "" {
			missing = append(missing, "CLI: "+bin)
		}
	}
	for _, env := range req.Env {
		if !g.EnvSet(env) {
			missing = append(missing, "ENV: "+env)
		}
	}
	return missing
}

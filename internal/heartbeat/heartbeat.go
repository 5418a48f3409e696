// Package heartbeat periodically wakes the agent when the workspace
// HEARTBEAT.md lists pending work.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName is the checklist the heartbeat inspects.
const FileName = "HEARTBEAT.md"

// Prompt is the message delivered to the agent on an actionable tick.
const Prompt = "Read HEARTBEAT.md in the workspace and work through any pending tasks. " +
	"If nothing needs doing, reply with just HEARTBEAT_OK."

// Callback runs one agent turn for the heartbeat prompt.
type Callback func(ctx context.Context, prompt string) error

// Service ticks on an interval and invokes the callback when the heartbeat
// file contains actionable content.
type Service struct {
	workspace string
	interval  time.Duration
	onBeat    Callback
}

func NewService(workspace string, interval time.Duration, onBeat Callback) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Service{workspace: workspace, interval: interval, onBeat: onBeat}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	slog.Info("heartbeat service started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	data, err := os.ReadFile(filepath.Join(s.workspace, FileName))
	if err != nil {
		return
	}
	if !hasActionableContent(string(data)) {
		return
	}
	if err := s.onBeat(ctx, Prompt); err != nil {
		slog.Error("heartbeat turn failed", "error", err)
	}
}

// hasActionableContent reports whether the checklist holds real work.
// Headers, completed items and empty checkboxes do not count.
func hasActionableContent(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "<!--"):
		case isEmptyCheckbox(line):
		case isCompletedCheckbox(line):
		default:
			return true
		}
	}
	return false
}

func isEmptyCheckbox(line string) bool {
	for _, prefix := range []string{"- [ ]", "* [ ]"} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(rest) == ""
		}
	}
	return false
}

func isCompletedCheckbox(line string) bool {
	for _, prefix := range []string{"- [x]", "- [X]", "* [x]", "* [X]"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

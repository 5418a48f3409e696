package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SpawnTool delegates a task to a background subagent. Like the message
// tool, a fresh instance is bound per request to the originating chat.
type SpawnTool struct {
	mgr           *SubagentManager
	originChannel string
	originChatID  string
}

func NewSpawnTool(mgr *SubagentManager, originChannel, originChatID string) *SpawnTool {
	return &SpawnTool{mgr: mgr, originChannel: originChannel, originChatID: originChatID}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Delegate a task to a background subagent; returns immediately with a task id while the work continues"
}

func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete, self-contained task description",
				"minLength":   1,
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Short label for progress messages",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Extra context the subagent should know",
			},
		},
		"required": []any{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) string {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)
	callerContext, _ := args["context"].(string)

	id := t.mgr.Spawn(task, label, t.originChannel, t.originChatID, callerContext)
	return fmt.Sprintf("Spawned background task %s. It will announce its result when done.", id)
}

// SubagentControlTool lists, inspects and cancels background tasks.
type SubagentControlTool struct {
	mgr *SubagentManager
}

func NewSubagentControlTool(mgr *SubagentManager) *SubagentControlTool {
	return &SubagentControlTool{mgr: mgr}
}

func (t *SubagentControlTool) Name() string { return "subagent_control" }
func (t *SubagentControlTool) Description() string {
	return "List, inspect or cancel background subagent tasks"
}
func (t *SubagentControlTool) ParallelSafe() bool { return true }

func (t *SubagentControlTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []any{"list", "status", "cancel"},
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task id for status/cancel",
			},
		},
		"required": []any{"action"},
	}
}

func (t *SubagentControlTool) Execute(ctx context.Context, args map[string]any) string {
	action, _ := args["action"].(string)
	taskID, _ := args["task_id"].(string)

	switch action {
	case "list":
		tasks := t.mgr.ListAll()
		if len(tasks) == 0 {
			return "No background tasks."
		}
		var b strings.Builder
		for _, task := range tasks {
			fmt.Fprintf(&b, "%s [%s] %s (started %s)\n",
				task.ID, task.Status, task.Label, task.StartedAt.Format(time.RFC3339))
		}
		return b.String()

	case "status":
		task, ok := t.mgr.GetTask(taskID)
		if !ok {
			return Errorf("task not found: %s", taskID)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s] %s\n", task.ID, task.Status, task.Label)
		if task.ResultPreview != "" {
			fmt.Fprintf(&b, "Result: %s\n", task.ResultPreview)
		}
		for _, entry := range task.ToolLog {
			fmt.Fprintf(&b, "  %s %s: %s\n", entry.Timestamp.Format("15:04:05"), entry.Tool, entry.Preview)
		}
		return b.String()

	case "cancel":
		if !t.mgr.Cancel(taskID) {
			return Errorf("task not found or not running: %s", taskID)
		}
		return fmt.Sprintf("Cancelled task %s.", taskID)

	default:
		return Errorf("Invalid parameters: unknown action %q", action)
	}
}

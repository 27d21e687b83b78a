// Package summary shapes backend activity payloads into timeline items.
// The backend forwards raw run events (command executions, reasoning
// summaries, file changes, tool calls); this package decides which of
// them are worth a timeline row and what that row says.
package summary

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Event wrapper types emitted by the backend run stream.
const (
	evThreadStarted = "thread.started"
	evTurnStarted   = "turn.started"
	evTurnCompleted = "turn.completed"
	evTurnFailed    = "turn.failed"
	evItemStarted   = "item.started"
	evItemUpdated   = "item.updated"
	evItemCompleted = "item.completed"
)

var noisyStderrRE = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcodex_core::rollout::list:\s+state db (?:missing|returned stale) rollout path for thread\b`),
}

// StripNoise removes known non-actionable backend stderr lines from a
// chunk of output text. Everything else passes through untouched.
func StripNoise(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.SplitAfter(text, "\n")
	var kept []string
	for _, line := range lines {
		noisy := false
		for _, re := range noisyStderrRE {
			if re.MatchString(line) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "")
}

// FromPayload maps one backend event payload to a timeline activity
// item. The second return is false for events that carry no visible
// activity (turn bookkeeping, token counts, assistant text that arrives
// separately as output).
func FromPayload(payload map[string]any) (*types.ActivityItem, bool) {
	eventType := stringField(payload, "type")

	switch eventType {
	case evThreadStarted, evTurnStarted, evTurnCompleted:
		return nil, false
	case "token_count", "stderr":
		// token_count feeds the rate-limit snapshot, stderr arrives as
		// output text. Neither is a timeline row.
		return nil, false
	case evTurnFailed:
		detail := nestedString(payload, "error", "message")
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    "Turn failed",
			Detail:   detail,
			Raw:      payload,
		}, true
	case "error":
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    "Error",
			Detail:   stringField(payload, "message"),
			Raw:      payload,
		}, true
	case evItemStarted, evItemUpdated, evItemCompleted:
		item, ok := payload["item"].(map[string]any)
		if !ok {
			return nil, false
		}
		phase := types.PhaseStarted
		if eventType == evItemCompleted {
			phase = types.PhaseCompleted
		}
		return fromItem(item, phase, payload)
	default:
		title := humanize(eventType)
		if title == "" {
			return nil, false
		}
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    title,
			Detail:   fallbackText(payload),
			Raw:      payload,
		}, true
	}
}

func fromItem(item map[string]any, phase types.ActivityPhase, payload map[string]any) (*types.ActivityItem, bool) {
	switch stringField(item, "type") {
	case "agent_message":
		// Assistant text reaches the timeline through output frames.
		return nil, false
	case "reasoning":
		detail := firstNonEmpty(stringField(item, "text"), stringField(item, "summary"))
		if detail == "" {
			return nil, false
		}
		return &types.ActivityItem{
			Category: types.ActivityReasoning,
			Phase:    types.PhaseUnphased,
			Title:    "Reasoning",
			Detail:   detail,
			Raw:      payload,
		}, true
	case "command_execution":
		command := commandString(item)
		if command == "" {
			return nil, false
		}
		title := "Command started"
		detail := command
		if phase == types.PhaseCompleted {
			title = "Command completed"
			if code, ok := intField(item, "exit_code", "exitCode"); ok && code != 0 {
				detail = command + "\nexit " + fmt.Sprint(code)
			}
		}
		return &types.ActivityItem{
			Category: types.ActivityCommand,
			Phase:    phase,
			Title:    title,
			Detail:   detail,
			Raw:      payload,
		}, true
	case "file_change":
		detail := changesDetail(item)
		if detail == "" {
			return nil, false
		}
		title := "File change started"
		if phase == types.PhaseCompleted {
			title = "File change completed"
		}
		return &types.ActivityItem{
			Category: types.ActivityFile,
			Phase:    phase,
			Title:    title,
			Detail:   detail,
			Raw:      payload,
		}, true
	case "mcp_tool_call":
		server := stringField(item, "server")
		tool := stringField(item, "tool")
		name := tool
		if server != "" && tool != "" {
			name = server + "." + tool
		} else if name == "" {
			name = server
		}
		if name == "" {
			return nil, false
		}
		title := "Tool call started"
		if phase == types.PhaseCompleted {
			title = "Tool call completed"
		}
		return &types.ActivityItem{
			Category: types.ActivityTool,
			Phase:    phase,
			Title:    title,
			Detail:   name,
			Raw:      payload,
		}, true
	case "web_search":
		query := stringField(item, "query")
		title := "Web search started"
		if phase == types.PhaseCompleted {
			title = "Web search completed"
		}
		return &types.ActivityItem{
			Category: types.ActivityTool,
			Phase:    phase,
			Title:    title,
			Detail:   query,
			Raw:      payload,
		}, true
	case "todo_list":
		detail := todoDetail(item)
		if detail == "" {
			return nil, false
		}
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    "Plan updated",
			Detail:   detail,
			Raw:      payload,
		}, true
	case "error":
		msg := stringField(item, "message")
		if msg == "" || strings.Contains(msg, "suppress_unstable_features_warning") {
			return nil, false
		}
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    "Error",
			Detail:   msg,
			Raw:      payload,
		}, true
	default:
		title := humanize(stringField(item, "type"))
		if title == "" {
			return nil, false
		}
		return &types.ActivityItem{
			Category: types.ActivityEvent,
			Phase:    types.PhaseUnphased,
			Title:    title,
			Detail:   fallbackText(item),
			Raw:      payload,
		}, true
	}
}

// ProgressLine renders the short in-flight status string for an item.
func ProgressLine(item *types.ActivityItem) string {
	if item == nil {
		return ""
	}
	switch item.Category {
	case types.ActivityReasoning:
		return "Thinking"
	case types.ActivityCommand:
		label := CommandLabel(firstLine(item.Detail))
		if label == "" {
			return "Running command"
		}
		if item.Phase == types.PhaseCompleted {
			return "Ran " + label
		}
		return "Running " + label
	case types.ActivityFile:
		return "Editing files"
	case types.ActivityTool:
		if strings.HasPrefix(item.Title, "Web search") {
			return "Searching the web"
		}
		if item.Detail != "" {
			return "Calling " + firstLine(item.Detail)
		}
		return "Calling tool"
	default:
		return item.Title
	}
}

func changesDetail(item map[string]any) string {
	changes, ok := item["changes"].([]any)
	if !ok || len(changes) == 0 {
		return stringField(item, "path")
	}
	var lines []string
	for _, raw := range changes {
		change, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		path := stringField(change, "path")
		if path == "" {
			continue
		}
		if kind := stringField(change, "kind"); kind != "" {
			lines = append(lines, kind+" "+path)
		} else {
			lines = append(lines, path)
		}
	}
	return strings.Join(lines, "\n")
}

func todoDetail(item map[string]any) string {
	items, ok := item["items"].([]any)
	if !ok {
		return ""
	}
	var lines []string
	for _, raw := range items {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := stringField(entry, "text")
		if text == "" {
			continue
		}
		marker := "[ ]"
		if b, ok := entry["completed"].(bool); ok && b {
			marker = "[x]"
		}
		lines = append(lines, marker+" "+text)
	}
	return strings.Join(lines, "\n")
}

func commandString(item map[string]any) string {
	switch v := item["command"].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	default:
		return ""
	}
}

func fallbackText(m map[string]any) string {
	return firstNonEmpty(
		stringField(m, "text"),
		stringField(m, "message"),
		stringField(m, "delta"),
	)
}

func humanize(eventType string) string {
	cleaned := strings.TrimSpace(eventType)
	if cleaned == "" {
		return ""
	}
	cleaned = strings.NewReplacer("_", " ", ".", " ").Replace(cleaned)
	return strings.ToUpper(cleaned[:1]) + cleaned[1:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func nestedString(m map[string]any, key, sub string) string {
	if inner, ok := m[key].(map[string]any); ok {
		return stringField(inner, sub)
	}
	return ""
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
	}
	return 0, false
}

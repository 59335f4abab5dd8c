package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AppServerEvent kinds.
const (
	KindThinking = "thinking"
	KindCommand  = "command"
	KindToolCall = "tool_call"
	KindFileEdit = "file_edit"
	KindMessage  = "message"
	KindUnknown  = "unknown"
)

// Merge strategies. Append folds into the previous entry with the same
// item id; newline folds with a separating newline; none always starts a
// fresh entry.
const (
	MergeAppend  = "append"
	MergeNewline = "newline"
	MergeNone    = "none"
)

// AppServerEvent is one classified agent protocol envelope, ready for
// display surfaces and the handoff detector.
type AppServerEvent struct {
	Kind          string    `json:"kind"`
	ItemID        string    `json:"item_id,omitempty"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	Detail        string    `json:"detail,omitempty"`
	Method        string    `json:"method,omitempty"`
	Time          time.Time `json:"time"`
	MergeStrategy string    `json:"merge_strategy"`
}

// CanMerge reports whether next should fold into prev.
func (e *AppServerEvent) CanMerge(next *AppServerEvent) bool {
	if e == nil || next == nil {
		return false
	}
	if next.MergeStrategy == MergeNone || next.ItemID == "" {
		return false
	}
	return e.ItemID == next.ItemID && e.Kind == next.Kind
}

// MergeFrom folds next into e per next's merge strategy.
func (e *AppServerEvent) MergeFrom(next *AppServerEvent) {
	switch next.MergeStrategy {
	case MergeAppend:
		e.Summary += next.Summary
	case MergeNewline:
		if e.Summary != "" && next.Summary != "" {
			e.Summary += "\n"
		}
		e.Summary += next.Summary
	}
	if next.Detail != "" {
		e.Detail = next.Detail
	}
	e.Time = next.Time
}

type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

type itemParams struct {
	Item *envelopeItem `json:"item"`
}

type envelopeItem struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Text     string          `json:"text,omitempty"`
	Command  string          `json:"command,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Changes  []envelopeEdit  `json:"changes,omitempty"`
	Server   string          `json:"server,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Summary  json.RawMessage `json:"summary,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

type envelopeEdit struct {
	Path string `json:"path"`
	Kind struct {
		Type string `json:"type"`
	} `json:"kind"`
}

// Classify turns one raw app-server notification into a display entry.
// Unknown methods classify as unknown with the raw payload preserved in
// Detail; nothing is dropped.
func Classify(method string, params json.RawMessage, at time.Time) *AppServerEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ev := &AppServerEvent{Method: method, Time: at, MergeStrategy: MergeNone}

	switch method {
	case "item/agentMessage/delta":
		var p deltaParams
		_ = json.Unmarshal(params, &p)
		ev.Kind = KindMessage
		ev.ItemID = p.ItemID
		ev.Title = "Message"
		ev.Summary = p.Delta
		ev.MergeStrategy = MergeAppend

	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta":
		var p deltaParams
		_ = json.Unmarshal(params, &p)
		ev.Kind = KindThinking
		ev.ItemID = p.ItemID
		ev.Title = "Thinking"
		ev.Summary = p.Delta
		ev.MergeStrategy = MergeAppend

	case "item/commandExecution/outputDelta":
		var p deltaParams
		_ = json.Unmarshal(params, &p)
		ev.Kind = KindCommand
		ev.ItemID = p.ItemID
		ev.Title = "Command output"
		ev.Summary = p.Delta
		ev.MergeStrategy = MergeAppend

	case "item/started", "item/completed":
		classifyItem(ev, method, params)

	default:
		ev.Kind = KindUnknown
		ev.Title = method
		ev.Summary = method
		ev.Detail = string(params)
	}
	return ev
}

func classifyItem(ev *AppServerEvent, method string, params json.RawMessage) {
	var p itemParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		ev.Kind = KindUnknown
		ev.Title = method
		ev.Summary = method
		ev.Detail = string(params)
		return
	}
	item := p.Item
	ev.ItemID = item.ID
	completed := method == "item/completed"

	switch item.Type {
	case "agentMessage":
		ev.Kind = KindMessage
		ev.Title = "Message"
		if completed {
			ev.Summary = item.Text
			ev.MergeStrategy = MergeNone
		}

	case "reasoning":
		ev.Kind = KindThinking
		ev.Title = "Thinking"
		ev.Summary = flattenContent(item.Summary)
		ev.MergeStrategy = MergeNewline

	case "commandExecution":
		ev.Kind = KindCommand
		ev.Title = "Command"
		ev.Summary = item.Command
		if completed && item.ExitCode != nil {
			ev.Detail = fmt.Sprintf("exit %d", *item.ExitCode)
		}
		ev.MergeStrategy = MergeNewline

	case "fileChange":
		ev.Kind = KindFileEdit
		ev.Title = "File edit"
		var paths []string
		for _, c := range item.Changes {
			paths = append(paths, c.Kind.Type+" "+c.Path)
		}
		ev.Summary = strings.Join(paths, "\n")
		ev.MergeStrategy = MergeNewline

	case "mcpToolCall":
		ev.Kind = KindToolCall
		ev.Title = "Tool call"
		ev.Summary = item.Server + "." + item.Tool
		ev.MergeStrategy = MergeNewline

	default:
		ev.Kind = KindUnknown
		ev.Title = item.Type
		ev.Summary = item.Type
		ev.Detail = string(params)
	}
}

// flattenContent joins codex "flexible content" (a string, or a list of
// typed text parts) into plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

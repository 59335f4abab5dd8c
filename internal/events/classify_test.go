package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClassify_Deltas(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		method string
		params string
		kind   string
		merge  string
	}{
		{"item/agentMessage/delta", `{"itemId":"i1","delta":"hel"}`, KindMessage, MergeAppend},
		{"item/reasoning/textDelta", `{"itemId":"i2","delta":"hmm"}`, KindThinking, MergeAppend},
		{"item/reasoning/summaryTextDelta", `{"itemId":"i2","delta":"plan"}`, KindThinking, MergeAppend},
		{"item/commandExecution/outputDelta", `{"itemId":"i3","delta":"ok\n"}`, KindCommand, MergeAppend},
	}
	for _, tc := range cases {
		ev := Classify(tc.method, json.RawMessage(tc.params), now)
		if ev.Kind != tc.kind {
			t.Errorf("%s: kind %q, want %q", tc.method, ev.Kind, tc.kind)
		}
		if ev.MergeStrategy != tc.merge {
			t.Errorf("%s: merge %q, want %q", tc.method, ev.MergeStrategy, tc.merge)
		}
		if ev.ItemID == "" {
			t.Errorf("%s: item id lost", tc.method)
		}
		if !ev.Time.Equal(now) {
			t.Errorf("%s: time not carried", tc.method)
		}
	}
}

func TestClassify_Items(t *testing.T) {
	cases := []struct {
		name    string
		params  string
		kind    string
		summary string
	}{
		{
			"command",
			`{"item":{"id":"i1","type":"commandExecution","command":"go test ./..."}}`,
			KindCommand,
			"go test ./...",
		},
		{
			"file edit",
			`{"item":{"id":"i2","type":"fileChange","changes":[{"path":"a.go","kind":{"type":"modify"}}]}}`,
			KindFileEdit,
			"modify a.go",
		},
		{
			"tool call",
			`{"item":{"id":"i3","type":"mcpToolCall","server":"fs","tool":"read"}}`,
			KindToolCall,
			"fs.read",
		},
		{
			"reasoning with parts",
			`{"item":{"id":"i4","type":"reasoning","summary":[{"type":"text","text":"first"},{"type":"text","text":" second"}]}}`,
			KindThinking,
			"first second",
		},
	}
	for _, tc := range cases {
		ev := Classify("item/started", json.RawMessage(tc.params), time.Time{})
		if ev.Kind != tc.kind {
			t.Errorf("%s: kind %q, want %q", tc.name, ev.Kind, tc.kind)
		}
		if ev.Summary != tc.summary {
			t.Errorf("%s: summary %q, want %q", tc.name, ev.Summary, tc.summary)
		}
		if ev.Time.IsZero() {
			t.Errorf("%s: time not defaulted", tc.name)
		}
	}
}

func TestClassify_CompletedCommandCarriesExit(t *testing.T) {
	params := `{"item":{"id":"i1","type":"commandExecution","command":"false","exitCode":1}}`
	ev := Classify("item/completed", json.RawMessage(params), time.Time{})
	if ev.Detail != "exit 1" {
		t.Errorf("expected exit detail, got %q", ev.Detail)
	}
}

func TestClassify_UnknownPreservesRaw(t *testing.T) {
	raw := `{"weird":true}`
	ev := Classify("vendor/surprise", json.RawMessage(raw), time.Time{})
	if ev.Kind != KindUnknown {
		t.Fatalf("expected unknown, got %q", ev.Kind)
	}
	if ev.Detail != raw {
		t.Errorf("raw payload not preserved: %q", ev.Detail)
	}
	if ev.MergeStrategy != MergeNone {
		t.Errorf("unknown events must not merge, got %q", ev.MergeStrategy)
	}
}

func TestMerge_SameItemAppendCoalesces(t *testing.T) {
	a := Classify("item/agentMessage/delta", json.RawMessage(`{"itemId":"i1","delta":"hel"}`), time.Time{})
	b := Classify("item/agentMessage/delta", json.RawMessage(`{"itemId":"i1","delta":"lo"}`), time.Time{})
	c := Classify("item/agentMessage/delta", json.RawMessage(`{"itemId":"i9","delta":"other"}`), time.Time{})

	if !a.CanMerge(b) {
		t.Fatal("same item append deltas must merge")
	}
	a.MergeFrom(b)
	if a.Summary != "hello" {
		t.Errorf("merged summary %q, want %q", a.Summary, "hello")
	}
	if a.CanMerge(c) {
		t.Error("different item ids must not merge")
	}
}

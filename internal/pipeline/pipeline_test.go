package pipeline

import (
	"strings"
	"testing"

	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

func deltaEvent(text string) protocol.StreamEvent {
	return protocol.StreamEvent{Event: map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": text},
	}}
}

func toolStartEvent(id, name string) protocol.StreamEvent {
	return protocol.StreamEvent{Event: map[string]any{
		"type":          "content_block_start",
		"content_block": map[string]any{"type": "tool_use", "id": id, "name": name},
	}}
}

func TestSinkReceivesDeltas(t *testing.T) {
	p := NewProcessor()
	var got strings.Builder
	p.Sink = func(s string) { got.WriteString(s) }

	for _, d := range []string{"Hel", "lo ", "there"} {
		p.Process(deltaEvent(d))
	}
	if got.String() != "Hello there" {
		t.Errorf("sink = %q", got.String())
	}
}

func TestToolLifecycle(t *testing.T) {
	p := NewProcessor()
	var starts, ends []ToolEvent
	p.OnToolStart = func(e ToolEvent) { starts = append(starts, e) }
	p.OnToolEnd = func(e ToolEvent) { ends = append(ends, e) }

	p.Process(protocol.AssistantMessage{Content: []protocol.ContentBlock{
		protocol.ToolUseBlock{ID: "t-1", Name: "Bash", Input: map[string]any{"command": "ls"}},
	}})
	if p.ActiveTools() != 1 {
		t.Fatalf("active = %d, want 1", p.ActiveTools())
	}

	p.Process(protocol.UserMessage{Content: []protocol.ContentBlock{
		protocol.ToolResultBlock{ToolUseID: "t-1", Content: "file.txt", IsError: false},
	}})
	if p.ActiveTools() != 0 {
		t.Fatalf("active = %d, want 0", p.ActiveTools())
	}

	if len(starts) != 1 || starts[0].ToolName != "Bash" {
		t.Errorf("starts = %#v", starts)
	}
	if len(ends) != 1 || ends[0].ToolName != "Bash" || ends[0].Content != "file.txt" {
		t.Errorf("ends = %#v", ends)
	}
}

func TestToolStartNotDuplicatedByPartialStreaming(t *testing.T) {
	p := NewProcessor()
	count := 0
	p.OnToolStart = func(ToolEvent) { count++ }

	// Partial streaming announces the tool first, then the complete
	// assistant message repeats it.
	p.Process(toolStartEvent("t-1", "Read"))
	p.Process(protocol.AssistantMessage{Content: []protocol.ContentBlock{
		protocol.ToolUseBlock{ID: "t-1", Name: "Read"},
	}})

	if count != 1 {
		t.Errorf("OnToolStart fired %d times, want 1", count)
	}
	if p.ActiveTools() != 1 {
		t.Errorf("active = %d, want 1", p.ActiveTools())
	}
}

func TestOrphanToolResultIsNonFatal(t *testing.T) {
	p := NewProcessor()
	var end ToolEvent
	p.OnToolEnd = func(e ToolEvent) { end = e }

	p.Process(protocol.UserMessage{Content: []protocol.ContentBlock{
		protocol.ToolResultBlock{ToolUseID: "ghost", IsError: true},
	}})

	// Name falls back to the id when no start was seen
	if end.ToolID != "ghost" || end.ToolName != "ghost" || !end.IsError {
		t.Errorf("end = %#v", end)
	}
}

func TestSummarize(t *testing.T) {
	cost := 0.02
	msgs := []protocol.Message{
		protocol.SystemMessage{Subtype: "init"},
		protocol.AssistantMessage{Content: []protocol.ContentBlock{
			protocol.TextBlock{Text: "part one "},
		}},
		protocol.AssistantMessage{Content: []protocol.ContentBlock{
			protocol.TextBlock{Text: "part two"},
		}},
		protocol.ResultMessage{
			SessionID:    "s-5",
			NumTurns:     2,
			TotalCostUSD: &cost,
			Usage:        map[string]any{"input_tokens": float64(11), "output_tokens": float64(7)},
		},
	}

	res := Summarize(msgs)
	if res.Text != "part one part two" {
		t.Errorf("text = %q", res.Text)
	}
	if res.SessionID != "s-5" || res.NumTurns != 2 {
		t.Errorf("result = %#v", res)
	}
	if res.InputTokens != 11 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}
	if res.CostUSD == nil || *res.CostUSD != cost {
		t.Errorf("cost = %v", res.CostUSD)
	}
	if len(res.Messages) != len(msgs) {
		t.Errorf("messages = %d", len(res.Messages))
	}
}

func TestSummarizeEstimatesMissingUsage(t *testing.T) {
	msgs := []protocol.Message{
		protocol.AssistantMessage{Content: []protocol.ContentBlock{
			protocol.TextBlock{Text: "a reasonably long answer with enough words to count"},
		}},
		protocol.ResultMessage{SessionID: "s-6"},
	}
	res := Summarize(msgs)
	if res.OutputTokens <= 0 {
		t.Errorf("estimated tokens = %d, want > 0", res.OutputTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty string = %d tokens", got)
	}
	short := EstimateTokens("hi")
	long := EstimateTokens(strings.Repeat("hello world ", 50))
	if short <= 0 || long <= short {
		t.Errorf("short = %d, long = %d", short, long)
	}
}

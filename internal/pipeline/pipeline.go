// Package pipeline is the event-processing path shared by local and remote
// execution: tool-lifecycle tracking, real-time delta streaming, and
// end-of-session result extraction. Both paths feed the same Processor, which
// is what keeps them behaviorally identical.
package pipeline

import (
	. "github.com/roelfdiedericks/clawproxy/internal/logging"
	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

// ToolEvent describes a tool invocation starting or concluding.
type ToolEvent struct {
	ToolID   string
	ToolName string
	// Set on conclusion only
	IsError bool
	Content any
}

// Processor consumes a session's message stream in order. Callbacks are
// optional; a nil callback is skipped.
type Processor struct {
	OnToolStart func(ToolEvent)
	OnToolEnd   func(ToolEvent)
	// Sink receives text deltas in real time as StreamEvents arrive.
	Sink func(string)

	activeTools map[string]string
	messages    []protocol.Message
}

// NewProcessor returns a Processor with empty tool state.
func NewProcessor() *Processor {
	return &Processor{activeTools: make(map[string]string)}
}

// Process consumes one message, firing callbacks and accumulating it for the
// final summary.
func (p *Processor) Process(msg protocol.Message) {
	p.messages = append(p.messages, msg)

	switch m := msg.(type) {
	case protocol.StreamEvent:
		p.processStreamEvent(m)
	case protocol.AssistantMessage:
		for _, block := range m.Content {
			if tu, ok := block.(protocol.ToolUseBlock); ok {
				p.toolStarted(tu.ID, tu.Name)
			}
		}
	case protocol.UserMessage:
		for _, block := range m.Content {
			if tr, ok := block.(protocol.ToolResultBlock); ok {
				p.toolConcluded(tr)
			}
		}
	}
}

func (p *Processor) processStreamEvent(m protocol.StreamEvent) {
	switch m.Event["type"] {
	case "content_block_start":
		cb, _ := m.Event["content_block"].(map[string]any)
		if cb["type"] == "tool_use" {
			id, _ := cb["id"].(string)
			name, _ := cb["name"].(string)
			p.toolStarted(id, name)
		}
	case "content_block_delta":
		delta, _ := m.Event["delta"].(map[string]any)
		if delta["type"] == "text_delta" {
			if text, ok := delta["text"].(string); ok && text != "" && p.Sink != nil {
				p.Sink(text)
			}
		}
	}
}

func (p *Processor) toolStarted(id, name string) {
	if _, seen := p.activeTools[id]; seen {
		// Partial streaming already announced this invocation
		return
	}
	p.activeTools[id] = name
	L_info("tool call starting", "tool", name, "id", id)
	if p.OnToolStart != nil {
		p.OnToolStart(ToolEvent{ToolID: id, ToolName: name})
	}
}

func (p *Processor) toolConcluded(tr protocol.ToolResultBlock) {
	name, known := p.activeTools[tr.ToolUseID]
	if !known {
		// Orphaned result: anomalous but non-fatal
		L_warn("tool result with no matching tool use", "id", tr.ToolUseID)
		name = tr.ToolUseID
	}
	delete(p.activeTools, tr.ToolUseID)

	status := "success"
	if tr.IsError {
		status = "error"
	}
	L_info("tool call concluded", "tool", name, "status", status)
	if p.OnToolEnd != nil {
		p.OnToolEnd(ToolEvent{ToolID: tr.ToolUseID, ToolName: name, IsError: tr.IsError, Content: tr.Content})
	}
}

// ActiveTools reports tool invocations that have started but not concluded.
func (p *Processor) ActiveTools() int {
	return len(p.activeTools)
}

// Messages returns the accumulated message list in arrival order.
func (p *Processor) Messages() []protocol.Message {
	return p.messages
}

// Result summarizes a completed session.
type Result struct {
	// Text is the concatenation of all assistant text blocks.
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      *float64
	SessionID    string
	NumTurns     int
	Messages     []protocol.Message
}

// Summarize derives the session result from an accumulated message list.
// Token counts come from the terminal ResultMessage's usage; when the engine
// reports none, they are estimated from the text.
func Summarize(messages []protocol.Message) Result {
	res := Result{Messages: messages}

	var parts []byte
	for _, msg := range messages {
		switch m := msg.(type) {
		case protocol.AssistantMessage:
			for _, block := range m.Content {
				if tb, ok := block.(protocol.TextBlock); ok {
					parts = append(parts, tb.Text...)
				}
			}
		case protocol.ResultMessage:
			res.SessionID = m.SessionID
			res.CostUSD = m.TotalCostUSD
			res.NumTurns = m.NumTurns
			if in, ok := m.Usage["input_tokens"].(float64); ok {
				res.InputTokens = int(in)
			}
			if out, ok := m.Usage["output_tokens"].(float64); ok {
				res.OutputTokens = int(out)
			}
		}
	}
	res.Text = string(parts)

	if res.OutputTokens == 0 && res.Text != "" {
		res.OutputTokens = EstimateTokens(res.Text)
		L_debug("pipeline: engine reported no usage, estimated output tokens",
			"tokens", res.OutputTokens)
	}

	return res
}

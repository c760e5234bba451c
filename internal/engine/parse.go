package engine

import (
	"encoding/json"
	"fmt"

	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

// The engine CLI prints one JSON document per line. Each line carries a
// "type" tag: system, assistant, user, result, or stream_event. Anything
// else is preserved as an UnknownMessage so the stream stays lossless.

type cliLine struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
	Event           map[string]any  `json:"event"`

	// result fields
	DurationMS    int64          `json:"duration_ms"`
	DurationAPIMS int64          `json:"duration_api_ms"`
	IsError       bool           `json:"is_error"`
	NumTurns      int            `json:"num_turns"`
	TotalCostUSD  *float64       `json:"total_cost_usd"`
	Usage         map[string]any `json:"usage"`
	Result        *string        `json:"result"`
}

type cliInnerMessage struct {
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

// ParseLine converts one engine output line into a protocol message.
func ParseLine(line []byte) (protocol.Message, error) {
	var l cliLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("engine output line: %w", err)
	}

	switch l.Type {
	case "stream_event":
		return protocol.StreamEvent{
			UUID:            l.UUID,
			SessionID:       l.SessionID,
			Event:           l.Event,
			ParentToolUseID: l.ParentToolUseID,
		}, nil

	case "assistant":
		var inner cliInnerMessage
		if err := json.Unmarshal(l.Message, &inner); err != nil {
			return nil, fmt.Errorf("assistant message body: %w", err)
		}
		blocks, err := parseBlocks(inner.Content)
		if err != nil {
			return nil, err
		}
		return protocol.AssistantMessage{
			Content:         blocks,
			Model:           inner.Model,
			ParentToolUseID: l.ParentToolUseID,
		}, nil

	case "user":
		var inner cliInnerMessage
		if err := json.Unmarshal(l.Message, &inner); err != nil {
			return nil, fmt.Errorf("user message body: %w", err)
		}
		msg := protocol.UserMessage{ParentToolUseID: l.ParentToolUseID}
		if l.UUID != "" {
			uuid := l.UUID
			msg.UUID = &uuid
		}
		var text string
		if err := json.Unmarshal(inner.Content, &text); err == nil {
			msg.Text = text
			return msg, nil
		}
		blocks, err := parseBlocks(inner.Content)
		if err != nil {
			return nil, err
		}
		msg.Content = blocks
		return msg, nil

	case "result":
		return protocol.ResultMessage{
			Subtype:       l.Subtype,
			DurationMS:    l.DurationMS,
			DurationAPIMS: l.DurationAPIMS,
			IsError:       l.IsError,
			NumTurns:      l.NumTurns,
			SessionID:     l.SessionID,
			TotalCostUSD:  l.TotalCostUSD,
			Usage:         l.Usage,
			Result:        l.Result,
		}, nil

	case "system":
		var data map[string]any
		if err := json.Unmarshal(line, &data); err != nil {
			return nil, fmt.Errorf("system message body: %w", err)
		}
		delete(data, "type")
		delete(data, "subtype")
		return protocol.SystemMessage{Subtype: l.Subtype, Data: data}, nil

	default:
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return protocol.UnknownMessage{Raw: raw}, nil
	}
}

func parseBlocks(content json.RawMessage) ([]protocol.ContentBlock, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(content, &raws); err != nil {
		return nil, fmt.Errorf("content blocks: %w", err)
	}

	blocks := make([]protocol.ContentBlock, 0, len(raws))
	for _, raw := range raws {
		var probe struct {
			Type      string         `json:"type"`
			Text      string         `json:"text"`
			ID        string         `json:"id"`
			Name      string         `json:"name"`
			Input     map[string]any `json:"input"`
			ToolUseID string         `json:"tool_use_id"`
			Content   any            `json:"content"`
			IsError   bool           `json:"is_error"`
			Thinking  string         `json:"thinking"`
			Signature string         `json:"signature"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("content block: %w", err)
		}
		switch probe.Type {
		case "text":
			blocks = append(blocks, protocol.TextBlock{Text: probe.Text})
		case "tool_use":
			blocks = append(blocks, protocol.ToolUseBlock{ID: probe.ID, Name: probe.Name, Input: probe.Input})
		case "tool_result":
			blocks = append(blocks, protocol.ToolResultBlock{ToolUseID: probe.ToolUseID, Content: probe.Content, IsError: probe.IsError})
		case "thinking":
			blocks = append(blocks, protocol.ThinkingBlock{Thinking: probe.Thinking, Signature: probe.Signature})
		}
	}
	return blocks, nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	. "github.com/roelfdiedericks/clawproxy/internal/logging"
)

// StreamError is the decoded form of an "error" wire frame: the agent engine
// (or the gateway on its behalf) failed mid-session. It is terminal; no
// frames follow it.
type StreamError struct {
	Message  string
	ExitCode *int
}

func (e *StreamError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("gateway stream error: %s (exit_code=%d)", e.Message, *e.ExitCode)
	}
	return fmt.Sprintf("gateway stream error: %s", e.Message)
}

// DecodeError reports a malformed payload for a recognized event type.
// It aborts the session; unknown event types never produce it.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %q frame: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode is the inverse of Encode. It returns (nil, nil) for event types it
// does not recognize so callers can skip them (forward compatibility), a
// *StreamError for the "error" event type, and a *DecodeError when the
// payload of a known event type does not parse.
func Decode(eventType string, data []byte) (Message, error) {
	switch eventType {
	case EventStreamEvent:
		var wire streamEventWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return StreamEvent{
			UUID: wire.UUID, SessionID: wire.SessionID,
			Event: wire.Event, ParentToolUseID: wire.ParentToolUseID,
		}, nil

	case EventAssistantMessage:
		var wire assistantMessageWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		blocks, err := decodeBlocks(wire.Content)
		if err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return AssistantMessage{
			Content: blocks, Model: wire.Model, ParentToolUseID: wire.ParentToolUseID,
		}, nil

	case EventUserMessage:
		var wire userMessageWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		msg := UserMessage{UUID: wire.UUID, ParentToolUseID: wire.ParentToolUseID}
		if len(wire.Content) > 0 && bytes.TrimSpace(wire.Content)[0] == '"' {
			// Plain string passthrough
			if err := json.Unmarshal(wire.Content, &msg.Text); err != nil {
				return nil, &DecodeError{EventType: eventType, Err: err}
			}
			return msg, nil
		}
		var raws []json.RawMessage
		if err := json.Unmarshal(wire.Content, &raws); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		blocks, err := decodeBlocks(raws)
		if err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		msg.Content = blocks
		return msg, nil

	case EventResultMessage:
		var wire resultMessageWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return ResultMessage{
			Subtype: wire.Subtype, DurationMS: wire.DurationMS, DurationAPIMS: wire.DurationAPIMS,
			IsError: wire.IsError, NumTurns: wire.NumTurns, SessionID: wire.SessionID,
			TotalCostUSD: wire.TotalCostUSD, Usage: wire.Usage, Result: wire.Result,
		}, nil

	case EventSystemMessage:
		var wire systemMessageWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return SystemMessage{Subtype: wire.Subtype, Data: wire.Data}, nil

	case EventError:
		var wire errorWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &DecodeError{EventType: eventType, Err: err}
		}
		return nil, &StreamError{Message: wire.Message, ExitCode: wire.ExitCode}

	default:
		L_debug("protocol: unrecognized event type, skipping", "event", eventType)
		return nil, nil
	}
}

func decodeBlocks(raws []json.RawMessage) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		block, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// decodeBlock reconstructs one content block. Unknown block types are
// skipped (nil, nil) rather than failing the message.
func decodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("content block: %w", err)
	}

	switch probe.Type {
	case "text":
		var wire textBlockWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("text block: %w", err)
		}
		return TextBlock{Text: wire.Text}, nil
	case "tool_use":
		var wire toolUseBlockWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("tool_use block: %w", err)
		}
		return ToolUseBlock{ID: wire.ID, Name: wire.Name, Input: wire.Input}, nil
	case "tool_result":
		var wire toolResultBlockWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("tool_result block: %w", err)
		}
		return ToolResultBlock{ToolUseID: wire.ToolUseID, Content: wire.Content, IsError: wire.IsError}, nil
	case "thinking":
		var wire thinkingBlockWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("thinking block: %w", err)
		}
		return ThinkingBlock{Thinking: wire.Thinking, Signature: wire.Signature}, nil
	default:
		L_warn("protocol: unknown content block type, skipping", "type", probe.Type)
		return nil, nil
	}
}

package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	. "github.com/roelfdiedericks/clawproxy/internal/logging"
)

// Wire shapes. Each block type gets its own struct so the "type"
// discriminator is always present and empty inputs survive a round trip.
type textBlockWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolUseBlockWire struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type toolResultBlockWire struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   any    `json:"content"`
	IsError   bool   `json:"is_error"`
}

type thinkingBlockWire struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

type streamEventWire struct {
	UUID            string         `json:"uuid"`
	SessionID       string         `json:"session_id"`
	Event           map[string]any `json:"event"`
	ParentToolUseID *string        `json:"parent_tool_use_id"`
}

type assistantMessageWire struct {
	Content         []json.RawMessage `json:"content"`
	Model           string            `json:"model"`
	ParentToolUseID *string           `json:"parent_tool_use_id"`
}

type userMessageWire struct {
	Content         json.RawMessage `json:"content"`
	UUID            *string         `json:"uuid"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
}

type resultMessageWire struct {
	Subtype       string         `json:"subtype"`
	DurationMS    int64          `json:"duration_ms"`
	DurationAPIMS int64          `json:"duration_api_ms"`
	IsError       bool           `json:"is_error"`
	NumTurns      int            `json:"num_turns"`
	SessionID     string         `json:"session_id"`
	TotalCostUSD  *float64       `json:"total_cost_usd"`
	Usage         map[string]any `json:"usage"`
	Result        *string        `json:"result"`
}

type systemMessageWire struct {
	Subtype string         `json:"subtype"`
	Data    map[string]any `json:"data"`
}

type errorWire struct {
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code"`
}

// marshalLenient marshals v, falling back to a {"raw": ...} document when v
// contains something encoding/json cannot represent. Encoding must never
// fail: a frame always carries valid JSON. Timestamps and binary payloads
// inside maps already serialize per the protocol (RFC 3339, base64) because
// that is how encoding/json treats time.Time and []byte.
func marshalLenient(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		L_warn("protocol: value not JSON-encodable, using raw fallback", "error", err)
		data, _ = json.Marshal(map[string]string{"raw": fmt.Sprint(v)})
	}
	return data
}

func encodeBlock(b ContentBlock) any {
	switch blk := b.(type) {
	case TextBlock:
		return textBlockWire{Type: "text", Text: blk.Text}
	case ToolUseBlock:
		return toolUseBlockWire{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input}
	case ToolResultBlock:
		return toolResultBlockWire{Type: "tool_result", ToolUseID: blk.ToolUseID, Content: blk.Content, IsError: blk.IsError}
	case ThinkingBlock:
		return thinkingBlockWire{Type: "thinking", Thinking: blk.Thinking, Signature: blk.Signature}
	default:
		return map[string]string{"type": "unknown", "raw": fmt.Sprint(b)}
	}
}

func encodeBlocks(blocks []ContentBlock) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, marshalLenient(encodeBlock(b)))
	}
	return out
}

// Encode serializes a message into its wire event type and a single-line
// JSON payload. It never fails; values with no defined rule become the
// "unknown" event type.
func Encode(m Message) (eventType string, data []byte) {
	switch msg := m.(type) {
	case StreamEvent:
		return EventStreamEvent, marshalLenient(streamEventWire{
			UUID: msg.UUID, SessionID: msg.SessionID,
			Event: msg.Event, ParentToolUseID: msg.ParentToolUseID,
		})
	case AssistantMessage:
		return EventAssistantMessage, marshalLenient(assistantMessageWire{
			Content: encodeBlocks(msg.Content),
			Model:   msg.Model, ParentToolUseID: msg.ParentToolUseID,
		})
	case UserMessage:
		var content json.RawMessage
		if msg.Content == nil {
			content = marshalLenient(msg.Text)
		} else {
			content = marshalLenient(encodeBlocks(msg.Content))
		}
		return EventUserMessage, marshalLenient(userMessageWire{
			Content: content, UUID: msg.UUID, ParentToolUseID: msg.ParentToolUseID,
		})
	case ResultMessage:
		return EventResultMessage, marshalLenient(resultMessageWire{
			Subtype: msg.Subtype, DurationMS: msg.DurationMS, DurationAPIMS: msg.DurationAPIMS,
			IsError: msg.IsError, NumTurns: msg.NumTurns, SessionID: msg.SessionID,
			TotalCostUSD: msg.TotalCostUSD, Usage: msg.Usage, Result: msg.Result,
		})
	case SystemMessage:
		return EventSystemMessage, marshalLenient(systemMessageWire{
			Subtype: msg.Subtype, Data: msg.Data,
		})
	case UnknownMessage:
		if len(msg.Raw) > 0 && json.Valid(msg.Raw) {
			return EventUnknown, msg.Raw
		}
		return EventUnknown, marshalLenient(map[string]string{"raw": string(msg.Raw)})
	default:
		return EventUnknown, marshalLenient(map[string]string{"raw": fmt.Sprint(m)})
	}
}

// Encoder writes wire frames with a strictly increasing frame id. Ids are
// incremented before each frame and never reused; one Encoder serves one
// session stream.
type Encoder struct {
	id atomic.Int64
}

// WriteFrame encodes m and writes one frame to w. Returns the frame id.
func (e *Encoder) WriteFrame(w io.Writer, m Message) (int64, error) {
	eventType, data := Encode(m)
	return e.writeRaw(w, eventType, data)
}

// WriteErrorFrame writes the terminal error frame for a failed session.
// No frames may follow it.
func (e *Encoder) WriteErrorFrame(w io.Writer, message string, exitCode *int) (int64, error) {
	return e.writeRaw(w, EventError, marshalLenient(errorWire{Message: message, ExitCode: exitCode}))
}

func (e *Encoder) writeRaw(w io.Writer, eventType string, data []byte) (int64, error) {
	id := e.id.Add(1)
	L_trace("protocol: frame", "id", id, "event", eventType, "data", string(data))
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data); err != nil {
		return id, fmt.Errorf("write frame %d: %w", id, err)
	}
	return id, nil
}

// LastID returns the id of the most recently written frame.
func (e *Encoder) LastID() int64 {
	return e.id.Load()
}

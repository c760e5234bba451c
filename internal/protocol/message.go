// Package protocol defines the wire message protocol spoken between the
// clawproxy server and its remote clients: the typed message stream emitted
// by the agent engine, the textual frame format used to carry it over a
// streamed HTTP response, and the encode/decode pair that must remain exact
// inverses of each other.
package protocol

import "encoding/json"

// Wire event types. One per Message variant, plus "error" for the
// gateway-synthesized terminal error frame.
const (
	EventStreamEvent      = "stream_event"
	EventAssistantMessage = "assistant_message"
	EventUserMessage      = "user_message"
	EventResultMessage    = "result_message"
	EventSystemMessage    = "system_message"
	EventError            = "error"
	EventUnknown          = "unknown"
)

// Message is the sealed union of agent-engine events. Exactly one
// ResultMessage terminates a successful session.
type Message interface {
	message()
}

// StreamEvent is an incremental delta used for low-latency token streaming.
// Event carries the raw engine stream event untyped; consumers pick out
// content_block_delta / content_block_start shapes from it.
type StreamEvent struct {
	UUID            string
	SessionID       string
	Event           map[string]any
	ParentToolUseID *string
}

func (StreamEvent) message() {}

// AssistantMessage is a complete assistant turn.
type AssistantMessage struct {
	Content         []ContentBlock
	Model           string
	ParentToolUseID *string
}

func (AssistantMessage) message() {}

// UserMessage is a message returned to the agent, including tool-result
// blocks. Content is nil and Text set when the engine emitted a plain string
// instead of a block list.
type UserMessage struct {
	Content         []ContentBlock
	Text            string
	UUID            *string
	ParentToolUseID *string
}

func (UserMessage) message() {}

// ResultMessage is the terminal message of a successful session.
type ResultMessage struct {
	Subtype       string
	DurationMS    int64
	DurationAPIMS int64
	IsError       bool
	NumTurns      int
	SessionID     string
	TotalCostUSD  *float64
	Usage         map[string]any
	Result        *string
}

func (ResultMessage) message() {}

// SystemMessage carries engine lifecycle notifications (init, etc.).
type SystemMessage struct {
	Subtype string
	Data    map[string]any
}

func (SystemMessage) message() {}

// UnknownMessage preserves an engine event the protocol has no rule for.
// It still round-trips: the raw payload is carried verbatim.
type UnknownMessage struct {
	Raw json.RawMessage
}

func (UnknownMessage) message() {}

// ContentBlock is the sealed union of blocks inside Assistant/UserMessage.
type ContentBlock interface {
	contentBlock()
}

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Text string
}

func (TextBlock) contentBlock() {}

// ToolUseBlock is a tool invocation requested by the agent.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

func (ToolUseBlock) contentBlock() {}

// ToolResultBlock is the result returned for a prior ToolUseBlock.ID.
type ToolResultBlock struct {
	ToolUseID string
	Content   any
	IsError   bool
}

func (ToolResultBlock) contentBlock() {}

// ThinkingBlock is extended-thinking output; engine-version dependent.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

func (ThinkingBlock) contentBlock() {}

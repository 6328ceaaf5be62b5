package anthropic

// SSE event payloads for the streaming Messages dialect. Event names on
// the wire match the Type field of each payload.

const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventPing              = "ping"
	EventError             = "error"
)

type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// Delta carries the variant-specific payload of a content_block_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJson string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

type ContentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type MessageDelta struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence"`
}

type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type MessageDeltaEvent struct {
	Type  string            `json:"type"`
	Delta MessageDelta      `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

type MessageStopEvent struct {
	Type string `json:"type"`
}

type PingEvent struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

func NewMessageStart(msg MessagesResponse) MessageStartEvent {
	return MessageStartEvent{Type: EventMessageStart, Message: msg}
}

func NewContentBlockStart(index int, block ContentBlock) ContentBlockStartEvent {
	return ContentBlockStartEvent{Type: EventContentBlockStart, Index: index, ContentBlock: block}
}

func NewTextDelta(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: "text_delta", Text: text}}
}

func NewInputJsonDelta(index int, partial string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: "input_json_delta", PartialJson: partial}}
}

func NewThinkingDelta(index int, thinking string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: "thinking_delta", Thinking: thinking}}
}

func NewContentBlockStop(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: EventContentBlockStop, Index: index}
}

func NewMessageDeltaEvent(stopReason string, outputTokens int) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  EventMessageDelta,
		Delta: MessageDelta{StopReason: stopReason},
		Usage: MessageDeltaUsage{OutputTokens: outputTokens},
	}
}

func NewMessageStop() MessageStopEvent {
	return MessageStopEvent{Type: EventMessageStop}
}

func NewPing() PingEvent {
	return PingEvent{Type: EventPing}
}

func NewErrorEvent(errType, message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: APIError{Type: errType, Message: message}}
}

package llm

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags the variant carried by a ContentBlock.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeThinking   BlockType = "thinking"
)

// ContentBlock is one item of a message's content list. Exactly one
// variant is populated, selected by Type.
type ContentBlock struct {
	Type BlockType

	// text / thinking payload
	Text string

	// tool_use fields
	ToolUseId string
	ToolName  string
	Input     json.RawMessage

	// tool_result fields
	ResultForId string
	Result      string
	IsError     bool
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ToolUseId: id, ToolName: name, Input: input}
}

func ToolResultBlock(forId, result string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ResultForId: forId, Result: result, IsError: isError}
}

type Message struct {
	Role    Role
	Content []ContentBlock
}

func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the message's text-bearing blocks. Tool results are
// included since routing keywords and session hashing consider them
// conversational content; tool inputs are not.
func (m Message) Text() string {
	var sb strings.Builder
	for _, block := range m.Content {
		switch block.Type {
		case BlockTypeText, BlockTypeThinking:
			sb.WriteString(block.Text)
		case BlockTypeToolResult:
			sb.WriteString(block.Result)
		}
	}
	return sb.String()
}

// Chars returns the character count used for history budgeting: all
// text plus the serialized tool inputs.
func (m Message) Chars() int {
	total := 0
	for _, block := range m.Content {
		switch block.Type {
		case BlockTypeText, BlockTypeThinking:
			total += len(block.Text)
		case BlockTypeToolUse:
			total += len(block.ToolName) + len(block.Input)
		case BlockTypeToolResult:
			total += len(block.Result)
		}
	}
	return total
}

func (m Message) HasToolUse() bool {
	for _, block := range m.Content {
		if block.Type == BlockTypeToolUse {
			return true
		}
	}
	return false
}

func (m Message) IsEmpty() bool {
	for _, block := range m.Content {
		switch block.Type {
		case BlockTypeText, BlockTypeThinking:
			if strings.TrimSpace(block.Text) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ToolSpec describes a tool offered to the model. InputSchema is a
// JSON-schema-shaped value kept opaque until serialized for the wire.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ChatRequest is the dialect-free form both inbound dialects normalize
// into. It is created per HTTP request and mutated only by the
// converter, the history engine, and the router.
type ChatRequest struct {
	Model         string
	Messages      []Message
	System        string
	Tools         []ToolSpec
	ToolChoice    interface{}
	MaxTokens     int
	Temperature   *float32
	TopP          *float32
	Stream        bool
	StopSequences []string
	Thinking      bool
	Metadata      map[string]interface{}
}

type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonError        StopReason = "error"
)

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChatResponse is the normalized upstream result.
type ChatResponse struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// Text concatenates the response's text blocks.
func (r ChatResponse) Text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockTypeText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

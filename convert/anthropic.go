package convert

import (
	"encoding/json"
	"fmt"

	"modelgate/anthropic"
	"modelgate/llm"
)

// FromMessagesRequest decodes an Anthropic-dialect request into the
// normalized form. System content is extracted to the dedicated field
// and the message list is normalized.
func FromMessagesRequest(req anthropic.MessagesRequest) (llm.ChatRequest, error) {
	messages := make([]llm.Message, 0, len(req.Messages))
	for i, msg := range req.Messages {
		blocks, err := msg.Blocks()
		if err != nil {
			return llm.ChatRequest{}, fmt.Errorf("message %d: %w", i, err)
		}
		converted := llm.Message{Role: llm.Role(msg.Role)}
		for _, block := range blocks {
			normalized, err := fromAnthropicBlock(block)
			if err != nil {
				return llm.ChatRequest{}, fmt.Errorf("message %d: %w", i, err)
			}
			converted.Content = append(converted.Content, normalized)
		}
		messages = append(messages, converted)
	}

	tools := make([]llm.ToolSpec, 0, len(req.Tools))
	for _, tool := range req.Tools {
		tools = append(tools, llm.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	return llm.ChatRequest{
		Model:         req.Model,
		Messages:      Normalize(messages),
		System:        req.SystemText(),
		Tools:         tools,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.StopSequences,
		Thinking:      req.Thinking != nil && req.Thinking.Type == "enabled",
		Metadata:      req.Metadata,
	}, nil
}

func fromAnthropicBlock(block anthropic.ContentBlock) (llm.ContentBlock, error) {
	switch block.Type {
	case "text":
		return llm.TextBlock(block.Text), nil
	case "thinking":
		return llm.ThinkingBlock(block.Thinking), nil
	case "tool_use":
		input := block.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return llm.ToolUseBlock(block.Id, block.Name, input), nil
	case "tool_result":
		return llm.ToolResultBlock(block.ToolUseId, block.ResultText(), block.IsError), nil
	default:
		return llm.ContentBlock{}, fmt.Errorf("unsupported content block type: %s", block.Type)
	}
}

// ToMessagesResponse wraps a normalized response in the Anthropic
// dialect.
func ToMessagesResponse(id string, resp llm.ChatResponse) anthropic.MessagesResponse {
	content := make([]anthropic.ContentBlock, 0, len(resp.Content))
	for _, block := range resp.Content {
		content = append(content, ToAnthropicBlock(block))
	}
	return anthropic.MessagesResponse{
		Id:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: string(resp.StopReason),
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

func ToAnthropicBlock(block llm.ContentBlock) anthropic.ContentBlock {
	switch block.Type {
	case llm.BlockTypeToolUse:
		input := block.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return anthropic.ContentBlock{Type: "tool_use", Id: block.ToolUseId, Name: block.ToolName, Input: input}
	case llm.BlockTypeToolResult:
		content, _ := json.Marshal(block.Result)
		return anthropic.ContentBlock{Type: "tool_result", ToolUseId: block.ResultForId, Content: content, IsError: block.IsError}
	case llm.BlockTypeThinking:
		return anthropic.ContentBlock{Type: "thinking", Thinking: block.Text}
	default:
		return anthropic.ContentBlock{Type: "text", Text: block.Text}
	}
}

// ToAnthropicMessages re-encodes normalized messages in the Anthropic
// dialect, used when echoing history back in count_tokens handling and
// in tests.
func ToAnthropicMessages(messages []llm.Message) []anthropic.Message {
	result := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			blocks = append(blocks, ToAnthropicBlock(block))
		}
		encoded, _ := json.Marshal(blocks)
		result = append(result, anthropic.Message{Role: string(msg.Role), Content: encoded})
	}
	return result
}

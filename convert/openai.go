package convert

import (
	"encoding/json"
	"strings"

	"modelgate/common"
	"modelgate/llm"

	openai "github.com/sashabaranov/go-openai"
)

// StopReasonFromFinish maps an OpenAI finish_reason onto the
// normalized stop reason.
func StopReasonFromFinish(finish openai.FinishReason) llm.StopReason {
	switch finish {
	case openai.FinishReasonStop:
		return llm.StopReasonEndTurn
	case openai.FinishReasonLength:
		return llm.StopReasonMaxTokens
	case openai.FinishReasonToolCalls:
		return llm.StopReasonToolUse
	case openai.FinishReasonContentFilter:
		return llm.StopReasonStopSequence
	case "":
		return llm.StopReasonEndTurn
	default:
		return llm.StopReason(finish)
	}
}

// FinishFromStopReason is the reverse mapping for OpenAI-dialect
// clients.
func FinishFromStopReason(reason llm.StopReason) openai.FinishReason {
	switch reason {
	case llm.StopReasonEndTurn:
		return openai.FinishReasonStop
	case llm.StopReasonMaxTokens:
		return openai.FinishReasonLength
	case llm.StopReasonToolUse:
		return openai.FinishReasonToolCalls
	case llm.StopReasonStopSequence:
		return openai.FinishReasonStop
	default:
		return openai.FinishReason(reason)
	}
}

// FromChatCompletionRequest decodes an OpenAI-dialect request into the
// normalized form.
func FromChatCompletionRequest(req openai.ChatCompletionRequest) llm.ChatRequest {
	var systemParts []string
	var messages []llm.Message

	for _, msg := range req.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case openai.ChatMessageRoleAssistant:
			converted := llm.Message{Role: llm.RoleAssistant}
			if msg.Content != "" {
				converted.Content = append(converted.Content, llm.TextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				ref := llm.ToolCallRef{Id: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments}
				converted.Content = append(converted.Content, llm.ToolUseBlock(call.ID, call.Function.Name, ref.InputOrEmpty()))
			}
			messages = append(messages, converted)
		case openai.ChatMessageRoleTool:
			// tool responses become tool_result blocks on a user
			// message; adjacent tool messages fold together via merge
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: []llm.ContentBlock{llm.ToolResultBlock(msg.ToolCallID, msg.Content, false)},
			})
		default:
			messages = append(messages, llm.NewTextMessage(llm.RoleUser, msg.Content))
		}
	}

	tools := make([]llm.ToolSpec, 0, len(req.Tools))
	for _, tool := range req.Tools {
		if tool.Function == nil {
			continue
		}
		tools = append(tools, llm.ToolSpec{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schemaAsMap(tool.Function.Parameters),
		})
	}

	var temperature, topP *float32
	if req.Temperature != 0 {
		t := req.Temperature
		temperature = &t
	}
	if req.TopP != 0 {
		t := req.TopP
		topP = &t
	}

	return llm.ChatRequest{
		Model:         req.Model,
		Messages:      Normalize(messages),
		System:        strings.Join(systemParts, "\n\n"),
		Tools:         tools,
		ToolChoice:    req.ToolChoice,
		MaxTokens:     req.MaxTokens,
		Temperature:   temperature,
		TopP:          topP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
}

// ToChatCompletionRequest encodes a normalized request for the
// upstream OpenAI-style wire. In native mode tool specs travel as
// structured tool definitions; in legacy mode they are injected into
// the system prompt and tool blocks are rendered inline.
func ToChatCompletionRequest(req llm.ChatRequest, model string, toolsCfg common.ToolsConfig) openai.ChatCompletionRequest {
	system := req.System
	if !toolsCfg.NativeEnabled && len(req.Tools) > 0 {
		prompt := buildInlineToolPrompt(req.Tools, toolsCfg)
		if system == "" {
			system = prompt
		} else {
			system = system + "\n\n" + prompt
		}
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessages(msg, toolsCfg.NativeEnabled)...)
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   req.Stream,
		Stop:     req.StopSequences,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	if toolsCfg.NativeEnabled && len(req.Tools) > 0 {
		for _, tool := range req.Tools {
			out.Tools = append(out.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: clampString(tool.Description, toolsCfg.DescMaxChars),
					Parameters:  clampSchemaDescriptions(tool.InputSchema, toolsCfg.ParamDescMaxChars),
				},
			})
		}
		if req.ToolChoice != nil {
			out.ToolChoice = req.ToolChoice
		}
	}

	return out
}

// toOpenAIMessages renders one normalized message as one or more wire
// messages. Tool results expand to dedicated tool-role messages in
// native mode.
func toOpenAIMessages(msg llm.Message, native bool) []openai.ChatCompletionMessage {
	switch msg.Role {
	case llm.RoleAssistant:
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		var textParts []string
		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockTypeText:
				textParts = append(textParts, block.Text)
			case llm.BlockTypeThinking:
				// passthrough reasoning is not re-sent upstream
			case llm.BlockTypeToolUse:
				if native {
					args := string(block.Input)
					if args == "" {
						args = "{}"
					}
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:       block.ToolUseId,
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: block.ToolName, Arguments: args},
					})
				} else {
					textParts = append(textParts, llm.RenderInline(block))
				}
			}
		}
		out.Content = strings.Join(textParts, "\n\n")
		return []openai.ChatCompletionMessage{out}

	case llm.RoleUser:
		var result []openai.ChatCompletionMessage
		var textParts []string
		flushText := func() {
			if len(textParts) > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(textParts, "\n\n"),
				})
				textParts = nil
			}
		}
		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockTypeToolResult:
				if native {
					flushText()
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.Result,
						ToolCallID: block.ResultForId,
					})
				} else {
					textParts = append(textParts, llm.RenderInline(block))
				}
			default:
				textParts = append(textParts, block.Text)
			}
		}
		flushText()
		return result

	default:
		return []openai.ChatCompletionMessage{{
			Role:    string(msg.Role),
			Content: msg.Text(),
		}}
	}
}

// FromChatCompletionResponse decodes an upstream response into the
// normalized form. Structured tool calls take precedence; when none
// are present and inlineFallback is set, inline markers in the text are
// extracted instead.
func FromChatCompletionResponse(resp openai.ChatCompletionResponse, inlineFallback bool) llm.ChatResponse {
	result := llm.ChatResponse{
		Model:      resp.Model,
		StopReason: llm.StopReasonEndTurn,
	}
	result.Usage = llm.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if len(resp.Choices) == 0 {
		return result
	}
	choice := resp.Choices[0]
	result.StopReason = StopReasonFromFinish(choice.FinishReason)

	if choice.Message.ReasoningContent != "" {
		result.Content = append(result.Content, llm.ThinkingBlock(choice.Message.ReasoningContent))
	}

	if len(choice.Message.ToolCalls) > 0 {
		if choice.Message.Content != "" {
			result.Content = append(result.Content, llm.TextBlock(choice.Message.Content))
		}
		for _, call := range choice.Message.ToolCalls {
			ref := llm.ToolCallRef{Id: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments}
			id := call.ID
			if id == "" {
				id = llm.NewToolUseId()
			}
			result.Content = append(result.Content, llm.ToolUseBlock(id, call.Function.Name, ref.InputOrEmpty()))
		}
		result.StopReason = llm.StopReasonToolUse
		return result
	}

	if inlineFallback && llm.ContainsInlineToolMarker(choice.Message.Content) {
		result.Content = append(result.Content, llm.ExtractBlocks(choice.Message.Content)...)
		for _, block := range result.Content {
			if block.Type == llm.BlockTypeToolUse {
				result.StopReason = llm.StopReasonToolUse
				break
			}
		}
		return result
	}

	if choice.Message.Content != "" {
		result.Content = append(result.Content, llm.TextBlock(choice.Message.Content))
	}
	return result
}

// ToChatCompletionResponse wraps a normalized response for
// OpenAI-dialect clients.
func ToChatCompletionResponse(id string, created int64, resp llm.ChatResponse) openai.ChatCompletionResponse {
	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var textParts []string
	for _, block := range resp.Content {
		switch block.Type {
		case llm.BlockTypeText:
			textParts = append(textParts, block.Text)
		case llm.BlockTypeThinking:
			message.ReasoningContent = block.Text
		case llm.BlockTypeToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
				ID:       block.ToolUseId,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: block.ToolName, Arguments: args},
			})
		}
	}
	message.Content = strings.Join(textParts, "")

	return openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: FinishFromStopReason(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// buildInlineToolPrompt renders tool specs as a system-prompt section
// for upstreams without native tool support.
func buildInlineToolPrompt(tools []llm.ToolSpec, cfg common.ToolsConfig) string {
	var sb strings.Builder
	sb.WriteString("You have access to the following tools. To call a tool, respond with a line of the form [Calling tool: <name>] followed by a line starting with Input: and a JSON object of arguments.\n")
	for _, tool := range tools {
		sb.WriteString("\n## ")
		sb.WriteString(tool.Name)
		sb.WriteString("\n")
		if tool.Description != "" {
			sb.WriteString(clampString(tool.Description, cfg.DescMaxChars))
			sb.WriteString("\n")
		}
		if tool.InputSchema != nil {
			schema, err := json.Marshal(clampSchemaDescriptions(tool.InputSchema, cfg.ParamDescMaxChars))
			if err == nil {
				sb.WriteString("Parameters: ")
				sb.Write(schema)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func schemaAsMap(parameters interface{}) map[string]interface{} {
	if parameters == nil {
		return nil
	}
	if asMap, ok := parameters.(map[string]interface{}); ok {
		return asMap
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return nil
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(encoded, &asMap); err != nil {
		return nil
	}
	return asMap
}

func clampString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// clampSchemaDescriptions deep-copies a JSON-schema value, truncating
// every "description" string to the configured limit.
func clampSchemaDescriptions(schema map[string]interface{}, max int) map[string]interface{} {
	if schema == nil || max <= 0 {
		return schema
	}
	clamped := clampValue(schema, max)
	result, ok := clamped.(map[string]interface{})
	if !ok {
		return schema
	}
	return result
}

func clampValue(value interface{}, max int) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if key == "description" {
				if desc, ok := inner.(string); ok {
					out[key] = clampString(desc, max)
					continue
				}
			}
			out[key] = clampValue(inner, max)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = clampValue(inner, max)
		}
		return out
	default:
		return value
	}
}

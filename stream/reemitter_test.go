package stream

import (
	"io"
	"strings"
	"testing"

	"modelgate/anthropic"
	"modelgate/llm"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	name    string
	payload interface{}
}

type recordingSink struct {
	events []sentEvent
}

func (s *recordingSink) Send(name string, payload interface{}) error {
	s.events = append(s.events, sentEvent{name: name, payload: payload})
	return nil
}

func (s *recordingSink) names() []string {
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.name)
	}
	return out
}

type stubStream struct {
	chunks []openai.ChatCompletionStreamResponse
	pos    int
}

func (s *stubStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func textChunk(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
		}},
	}
}

func finishChunk(reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: reason}},
	}
}

func intPtr(n int) *int { return &n }

func TestReemitterPlainText(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "opus-test", Options{InputTokens: 12})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("Hello"),
		textChunk(", world"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)

	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventPing,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}, sink.names())

	assert.Equal(t, "Hello, world", result.Text())
	assert.Equal(t, llm.StopReasonEndTurn, result.StopReason)

	start, ok := sink.events[0].payload.(anthropic.MessageStartEvent)
	require.True(t, ok)
	assert.Equal(t, "msg_1", start.Message.Id)
	assert.Equal(t, "opus-test", start.Message.Model)
	assert.Equal(t, 12, start.Message.Usage.InputTokens)
}

func TestReemitterInlineToolAcrossDeltas(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{InlineTools: true})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("I'll read the file.\n[Calling tool: Re"),
		textChunk("ad]\nInput: {\"path\": \"/tmp/x\"}"),
		textChunk(" done"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)

	require.Len(t, result.Content, 3)
	assert.Equal(t, llm.BlockTypeText, result.Content[0].Type)
	assert.Equal(t, "I'll read the file.\n", result.Content[0].Text)
	assert.Equal(t, llm.BlockTypeToolUse, result.Content[1].Type)
	assert.Equal(t, "Read", result.Content[1].ToolName)
	assert.JSONEq(t, `{"path": "/tmp/x"}`, string(result.Content[1].Input))
	assert.Equal(t, llm.BlockTypeText, result.Content[2].Type)
	assert.Equal(t, " done", result.Content[2].Text)

	assert.Equal(t, llm.StopReasonToolUse, result.StopReason)

	// the marker text itself never reached the client as a text delta
	for _, ev := range sink.events {
		if delta, ok := ev.payload.(anthropic.ContentBlockDeltaEvent); ok && delta.Delta.Type == "text_delta" {
			assert.NotContains(t, delta.Delta.Text, "[Calling tool:")
		}
	}
}

func TestReemitterUnresolvedMarkerFlushesAsText(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{InlineTools: true})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("[Calling tool: Broken"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)

	require.Len(t, result.Content, 1)
	assert.Equal(t, "[Calling tool: Broken", result.Content[0].Text)
	assert.Equal(t, llm.StopReasonEndTurn, result.StopReason)
}

func TestReemitterNativeToolCalls(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		{
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{
					ToolCalls: []openai.ToolCall{{
						Index:    intPtr(0),
						ID:       "call_1",
						Function: openai.FunctionCall{Name: "Read"},
					}},
				},
			}},
		},
		{
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{
					ToolCalls: []openai.ToolCall{{
						Index:    intPtr(0),
						Function: openai.FunctionCall{Arguments: `{"pa`},
					}},
				},
			}},
		},
		{
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{
					ToolCalls: []openai.ToolCall{{
						Index:    intPtr(0),
						Function: openai.FunctionCall{Arguments: `th":"/x"}`},
					}},
				},
			}},
		},
		finishChunk(openai.FinishReasonToolCalls),
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)

	require.Len(t, result.Content, 1)
	assert.Equal(t, llm.BlockTypeToolUse, result.Content[0].Type)
	assert.Equal(t, "call_1", result.Content[0].ToolUseId)
	assert.Equal(t, "Read", result.Content[0].ToolName)
	assert.JSONEq(t, `{"path":"/x"}`, string(result.Content[0].Input))
	assert.Equal(t, llm.StopReasonToolUse, result.StopReason)

	// argument fragments arrive as input_json_delta events
	var fragments []string
	for _, ev := range sink.events {
		if delta, ok := ev.payload.(anthropic.ContentBlockDeltaEvent); ok && delta.Delta.Type == "input_json_delta" {
			fragments = append(fragments, delta.Delta.PartialJson)
		}
	}
	assert.Equal(t, []string{`{"pa`, `th":"/x"}`}, fragments)
}

func TestReemitterThinkingThenText(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		{
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{ReasoningContent: "pondering"},
			}},
		},
		textChunk("the answer"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)

	require.Len(t, result.Content, 2)
	assert.Equal(t, llm.BlockTypeThinking, result.Content[0].Type)
	assert.Equal(t, "pondering", result.Content[0].Text)
	assert.Equal(t, "the answer", result.Content[1].Text)
}

func TestReemitterResumeSuppressesStartAndTrimsOverlap(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{})

	first := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("Hello worl"),
		finishChunk(openai.FinishReasonLength),
	}}
	require.NoError(t, r.Consume(first))
	assert.Equal(t, openai.FinishReasonLength, r.FinishReason())

	r.BeginResume()
	second := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("worl"),
		textChunk("d!"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, r.Consume(second))

	result, err := r.Finish()
	require.NoError(t, err)

	assert.Equal(t, "Hello world!", result.Text())
	assert.Equal(t, llm.StopReasonEndTurn, result.StopReason)

	starts := 0
	blockStarts := 0
	for _, name := range sink.names() {
		switch name {
		case anthropic.EventMessageStart:
			starts++
		case anthropic.EventContentBlockStart:
			blockStarts++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, blockStarts)
}

func TestReemitterUsagePreferredOverEstimate(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("hi"),
		finishChunk(openai.FinishReasonStop),
		{Usage: &openai.Usage{PromptTokens: 40, CompletionTokens: 7}},
	}}
	require.NoError(t, r.Consume(src))

	result, err := r.Finish()
	require.NoError(t, err)
	assert.Equal(t, 7, result.Usage.OutputTokens)
	assert.Equal(t, 40, result.Usage.InputTokens)
}

func TestReemitterOverrideStop(t *testing.T) {
	sink := &recordingSink{}
	r := NewReemitter(sink, "msg_1", "m", Options{})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("partial"),
		finishChunk(openai.FinishReasonLength),
	}}
	require.NoError(t, r.Consume(src))

	r.OverrideStop(llm.StopReasonMaxTokens)
	result, err := r.Finish()
	require.NoError(t, err)
	assert.Equal(t, llm.StopReasonMaxTokens, result.StopReason)
}

func TestPassthroughRewritesAndFinishes(t *testing.T) {
	sink := &recordingSink{}
	p := NewPassthrough(sink, "chatcmpl-abc", "sonnet-test", 1700000000, Options{})

	src := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		{
			ID:    "upstream-id",
			Model: "upstream-model",
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant", Content: "Hel"},
			}},
		},
		textChunk("lo"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, p.Consume(src))
	require.NoError(t, p.Finish(llm.StopReasonEndTurn))

	assert.Equal(t, "Hello", p.EmittedText())
	require.Len(t, sink.events, 4) // two deltas, terminal chunk, [DONE]

	first, ok := sink.events[0].payload.(openai.ChatCompletionStreamResponse)
	require.True(t, ok)
	assert.Equal(t, "chatcmpl-abc", first.ID)
	assert.Equal(t, "sonnet-test", first.Model)
	assert.Equal(t, "Hel", first.Choices[0].Delta.Content)

	terminal, ok := sink.events[2].payload.(openai.ChatCompletionStreamResponse)
	require.True(t, ok)
	assert.Equal(t, openai.FinishReasonStop, terminal.Choices[0].FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Greater(t, terminal.Usage.CompletionTokens, 0)

	assert.Equal(t, "[DONE]", sink.events[3].payload)
}

func TestPassthroughResumeTrimsOverlap(t *testing.T) {
	sink := &recordingSink{}
	p := NewPassthrough(sink, "chatcmpl-abc", "m", 1700000000, Options{})

	first := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("Hello worl"),
		finishChunk(openai.FinishReasonLength),
	}}
	require.NoError(t, p.Consume(first))

	// the resumed segment repeats the tail of the previous one
	p.BeginResume()
	resumed := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("worl"),
		textChunk("d!"),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, p.Consume(resumed))
	require.NoError(t, p.Finish(llm.StopReasonEndTurn))

	assert.Equal(t, "Hello world!", p.EmittedText())

	var streamed strings.Builder
	for _, ev := range sink.events {
		chunk, ok := ev.payload.(openai.ChatCompletionStreamResponse)
		if !ok || len(chunk.Choices) == 0 {
			continue
		}
		streamed.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello world!", streamed.String())
}

func TestPassthroughResumeNoOverlapKeepsAll(t *testing.T) {
	sink := &recordingSink{}
	p := NewPassthrough(sink, "chatcmpl-abc", "m", 1700000000, Options{})

	first := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk("Part one."),
		finishChunk(openai.FinishReasonLength),
	}}
	require.NoError(t, p.Consume(first))

	p.BeginResume()
	resumed := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		textChunk(" Part two."),
		finishChunk(openai.FinishReasonStop),
	}}
	require.NoError(t, p.Consume(resumed))
	require.NoError(t, p.Finish(llm.StopReasonEndTurn))

	assert.Equal(t, "Part one. Part two.", p.EmittedText())
}

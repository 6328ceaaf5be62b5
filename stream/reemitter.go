// Package stream converts upstream chat-completion deltas into the
// event sequence of the client's dialect. The Anthropic-side Reemitter
// is a small state machine: awaiting_start -> message_started ->
// content_open -> message_stopped. A single Reemitter survives across
// continuation segments, which is what suppresses the duplicate
// message_start and keeps deltas flowing on the same content index.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"modelgate/anthropic"
	"modelgate/convert"
	"modelgate/llm"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// Sink receives events to encode onto the client connection. A
// non-empty name produces a named SSE event; an empty name emits a
// bare data event. String payloads are written raw, everything else is
// JSON-marshaled by the sink.
type Sink interface {
	Send(name string, payload interface{}) error
}

// ChunkSource abstracts the upstream stream for consumption.
// *openai.ChatCompletionStream satisfies it.
type ChunkSource interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

type state int

const (
	stateAwaitingStart state = iota
	stateMessageStarted
	stateContentOpen
	stateMessageStopped
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockTool
)

// resumeOverlapChars bounds the window checked for repeated text when
// a continuation segment starts.
const resumeOverlapChars = 200

// Options tune one re-emitted response.
type Options struct {
	// InlineTools enables the legacy holdback path: text containing an
	// inline tool marker is withheld until the unit resolves or the
	// stream ends.
	InlineTools bool
	// InputTokens is the estimate reported in message_start.
	InputTokens int
	// CharsPerToken is the configured estimation ratio used when the
	// upstream omits usage; zero means the default.
	CharsPerToken float64
}

// Result is the assembled outcome of a re-emitted response.
type Result struct {
	Content    []llm.ContentBlock
	StopReason llm.StopReason
	Usage      llm.Usage
}

// Text joins the text blocks of the assembled content.
func (r Result) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == llm.BlockTypeText {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}

type Reemitter struct {
	sink      Sink
	messageId string
	model     string
	opts      Options

	st        state
	kind      blockKind
	nextIndex int
	openIndex int

	// legacy inline holdback
	pending string

	// native tool accumulation
	toolSlot int
	toolId   string
	toolName string
	toolArgs strings.Builder

	// resume overlap trimming
	trimPending bool
	resumeBuf   string

	blockBuf strings.Builder
	emitted  strings.Builder
	content  []llm.ContentBlock

	finish       openai.FinishReason
	stopOverride llm.StopReason
	usage        llm.Usage
}

func NewReemitter(sink Sink, messageId, model string, opts Options) *Reemitter {
	return &Reemitter{sink: sink, messageId: messageId, model: model, opts: opts, kind: blockNone}
}

// Consume drains one upstream segment, emitting client events as
// deltas arrive. It returns when the segment closes; terminal events
// are deferred to Finish so continuation segments can keep going.
func (r *Reemitter) Consume(src ChunkSource) error {
	for {
		chunk, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return r.endSegment()
			}
			return err
		}

		if chunk.Usage != nil {
			r.usage.Add(llm.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			if err := r.onThinking(choice.Delta.ReasoningContent); err != nil {
				return err
			}
		}
		if choice.Delta.Content != "" {
			if err := r.onText(choice.Delta.Content); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := r.onToolCallDelta(tc); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			r.finish = choice.FinishReason
		}
	}
}

// BeginResume arms overlap trimming before a continuation segment: the
// first text of the new segment is checked against the tail of what
// was already emitted and any repetition is dropped.
func (r *Reemitter) BeginResume() {
	r.trimPending = true
	r.resumeBuf = ""
}

// EmittedText returns all text streamed to the client so far.
func (r *Reemitter) EmittedText() string {
	return r.emitted.String()
}

// FinishReason reports the terminal finish of the last consumed
// segment.
func (r *Reemitter) FinishReason() openai.FinishReason {
	return r.finish
}

// OverrideStop forces the terminal stop_reason emitted by Finish.
func (r *Reemitter) OverrideStop(reason llm.StopReason) {
	r.stopOverride = reason
}

// Finish closes the open block and emits message_delta and
// message_stop. It is valid to call after an upstream failure; the
// events emitted so far stay coherent.
func (r *Reemitter) Finish() (Result, error) {
	if err := r.endSegment(); err != nil {
		return Result{}, err
	}
	if err := r.ensureStarted(); err != nil {
		return Result{}, err
	}
	if err := r.closeBlock(); err != nil {
		return Result{}, err
	}

	stop := r.stopReason()
	if r.usage.OutputTokens == 0 {
		r.usage.OutputTokens = llm.EstimateTokensWith(r.emitted.String(), r.opts.CharsPerToken)
	}
	if err := r.send(anthropic.EventMessageDelta, anthropic.NewMessageDeltaEvent(string(stop), r.usage.OutputTokens)); err != nil {
		return Result{}, err
	}
	if err := r.send(anthropic.EventMessageStop, anthropic.NewMessageStop()); err != nil {
		return Result{}, err
	}
	r.st = stateMessageStopped

	return Result{Content: r.content, StopReason: stop, Usage: r.usage}, nil
}

// EmitError surfaces a failure as a final error event instead of a
// torn connection.
func (r *Reemitter) EmitError(errType, message string) {
	if err := r.send(anthropic.EventError, anthropic.NewErrorEvent(errType, message)); err != nil {
		log.Warn().Err(err).Msg("failed to emit stream error event")
	}
	r.st = stateMessageStopped
}

func (r *Reemitter) stopReason() llm.StopReason {
	if r.stopOverride != "" {
		return r.stopOverride
	}
	stop := convert.StopReasonFromFinish(r.finish)
	if stop != llm.StopReasonMaxTokens {
		for _, block := range r.content {
			if block.Type == llm.BlockTypeToolUse {
				return llm.StopReasonToolUse
			}
		}
	}
	return stop
}

// endSegment flushes everything withheld for the segment that just
// closed: an unresolved inline marker becomes plain text, a pending
// overlap check is settled with whatever arrived.
func (r *Reemitter) endSegment() error {
	if r.trimPending {
		r.trimPending = false
		text := trimOverlap(r.overlapTail(), r.resumeBuf)
		r.resumeBuf = ""
		if text != "" {
			if err := r.ingestText(text); err != nil {
				return err
			}
		}
	}
	if r.pending != "" {
		text := r.pending
		r.pending = ""
		if err := r.appendText(text); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reemitter) onText(text string) error {
	if r.trimPending {
		r.resumeBuf += text
		if len(r.resumeBuf) < resumeOverlapChars {
			return nil
		}
		r.trimPending = false
		text = trimOverlap(r.overlapTail(), r.resumeBuf)
		r.resumeBuf = ""
		if text == "" {
			return nil
		}
	}
	return r.ingestText(text)
}

func (r *Reemitter) overlapTail() string {
	emitted := r.emitted.String()
	if len(emitted) > resumeOverlapChars {
		emitted = emitted[len(emitted)-resumeOverlapChars:]
	}
	return emitted
}

// ingestText routes text through the inline holdback pipeline when the
// legacy channel is in use, otherwise straight to the open text block.
func (r *Reemitter) ingestText(text string) error {
	if !r.opts.InlineTools {
		return r.appendText(text)
	}

	r.pending += text
	for {
		hold := llm.InlineHoldbackIndex(r.pending)
		if hold < 0 {
			text := r.pending
			r.pending = ""
			if text != "" {
				return r.appendText(text)
			}
			return nil
		}

		if hold > 0 {
			if err := r.appendText(r.pending[:hold]); err != nil {
				return err
			}
			r.pending = r.pending[hold:]
		}

		block, consumed, ok := llm.ParseInlineToolCall(r.pending)
		if !ok {
			// marker still arriving; wait for more deltas
			return nil
		}
		if err := r.emitToolBlock(block); err != nil {
			return err
		}
		r.pending = r.pending[consumed:]
	}
}

func (r *Reemitter) onThinking(text string) error {
	if err := r.ensureBlock(blockThinking); err != nil {
		return err
	}
	r.blockBuf.WriteString(text)
	return r.send(anthropic.EventContentBlockDelta, anthropic.NewThinkingDelta(r.openIndex, text))
}

func (r *Reemitter) appendText(text string) error {
	if err := r.ensureBlock(blockText); err != nil {
		return err
	}
	r.blockBuf.WriteString(text)
	r.emitted.WriteString(text)
	return r.send(anthropic.EventContentBlockDelta, anthropic.NewTextDelta(r.openIndex, text))
}

// onToolCallDelta handles native structured tool calls: the first
// fragment of a slot names the tool, later fragments append argument
// JSON as input_json_delta events.
func (r *Reemitter) onToolCallDelta(tc openai.ToolCall) error {
	slot := 0
	if tc.Index != nil {
		slot = *tc.Index
	}
	if r.kind != blockTool || slot != r.toolSlot {
		if err := r.closeBlock(); err != nil {
			return err
		}
		r.toolSlot = slot
		r.toolId = tc.ID
		if r.toolId == "" {
			r.toolId = llm.NewToolUseId()
		}
		r.toolName = tc.Function.Name
		r.toolArgs.Reset()
		if err := r.openBlock(blockTool, anthropic.ContentBlock{
			Type:  "tool_use",
			Id:    r.toolId,
			Name:  r.toolName,
			Input: json.RawMessage("{}"),
		}); err != nil {
			return err
		}
	}
	if tc.Function.Arguments != "" {
		r.toolArgs.WriteString(tc.Function.Arguments)
		return r.send(anthropic.EventContentBlockDelta, anthropic.NewInputJsonDelta(r.openIndex, tc.Function.Arguments))
	}
	return nil
}

// emitToolBlock emits a fully-resolved inline invocation as one
// self-contained tool_use block.
func (r *Reemitter) emitToolBlock(block llm.ContentBlock) error {
	if err := r.closeBlock(); err != nil {
		return err
	}
	if err := r.openBlock(blockTool, anthropic.ContentBlock{
		Type:  "tool_use",
		Id:    block.ToolUseId,
		Name:  block.ToolName,
		Input: json.RawMessage("{}"),
	}); err != nil {
		return err
	}
	if err := r.send(anthropic.EventContentBlockDelta, anthropic.NewInputJsonDelta(r.openIndex, string(block.Input))); err != nil {
		return err
	}
	r.content = append(r.content, block)
	r.kind = blockNone
	r.st = stateMessageStarted
	return r.send(anthropic.EventContentBlockStop, anthropic.NewContentBlockStop(r.openIndex))
}

func (r *Reemitter) ensureStarted() error {
	if r.st != stateAwaitingStart {
		return nil
	}
	start := anthropic.NewMessageStart(anthropic.MessagesResponse{
		Id:      r.messageId,
		Type:    "message",
		Role:    "assistant",
		Model:   r.model,
		Content: []anthropic.ContentBlock{},
		Usage:   anthropic.Usage{InputTokens: r.opts.InputTokens, OutputTokens: 1},
	})
	if err := r.send(anthropic.EventMessageStart, start); err != nil {
		return err
	}
	if err := r.send(anthropic.EventPing, anthropic.NewPing()); err != nil {
		return err
	}
	r.st = stateMessageStarted
	return nil
}

func (r *Reemitter) ensureBlock(kind blockKind) error {
	if err := r.ensureStarted(); err != nil {
		return err
	}
	if r.kind == kind && r.st == stateContentOpen {
		return nil
	}
	if err := r.closeBlock(); err != nil {
		return err
	}
	switch kind {
	case blockText:
		return r.openBlock(blockText, anthropic.ContentBlock{Type: "text", Text: ""})
	case blockThinking:
		return r.openBlock(blockThinking, anthropic.ContentBlock{Type: "thinking", Thinking: ""})
	}
	return nil
}

func (r *Reemitter) openBlock(kind blockKind, block anthropic.ContentBlock) error {
	if err := r.ensureStarted(); err != nil {
		return err
	}
	r.openIndex = r.nextIndex
	r.nextIndex++
	r.kind = kind
	r.st = stateContentOpen
	r.blockBuf.Reset()
	return r.send(anthropic.EventContentBlockStart, anthropic.NewContentBlockStart(r.openIndex, block))
}

// closeBlock finalizes the open block into the assembled content and
// emits content_block_stop.
func (r *Reemitter) closeBlock() error {
	if r.st != stateContentOpen || r.kind == blockNone {
		return nil
	}
	switch r.kind {
	case blockText:
		r.content = append(r.content, llm.TextBlock(r.blockBuf.String()))
	case blockThinking:
		r.content = append(r.content, llm.ThinkingBlock(r.blockBuf.String()))
	case blockTool:
		input, ok := llm.ParseToolInput(r.toolArgs.String())
		if !ok {
			input = json.RawMessage("{}")
		}
		r.content = append(r.content, llm.ToolUseBlock(r.toolId, r.toolName, input))
	}
	r.kind = blockNone
	r.st = stateMessageStarted
	r.blockBuf.Reset()
	return r.send(anthropic.EventContentBlockStop, anthropic.NewContentBlockStop(r.openIndex))
}

func (r *Reemitter) send(name string, payload interface{}) error {
	return r.sink.Send(name, payload)
}

// trimOverlap drops the longest prefix of next that repeats the tail
// of what was already emitted.
func trimOverlap(tail, next string) string {
	if tail == "" || next == "" {
		return next
	}
	max := len(next)
	if len(tail) < max {
		max = len(tail)
	}
	for i := max; i > 0; i-- {
		if strings.HasSuffix(tail, next[:i]) {
			return next[i:]
		}
	}
	return next
}

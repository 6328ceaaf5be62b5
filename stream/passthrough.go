package stream

import (
	"errors"
	"io"
	"strings"

	"modelgate/convert"
	"modelgate/llm"

	openai "github.com/sashabaranov/go-openai"
)

// Passthrough re-emits upstream chunks in the OpenAI dialect. Deltas
// are forwarded as they arrive with the response id and routed model
// substituted; the finishing chunk is withheld so continuation
// segments can append to the same logical response, and Finish emits
// the terminal chunk plus [DONE]. Resumed segments get the same
// overlap trimming as the Anthropic side: the first window of resumed
// text is checked against the tail of what was already sent and any
// repetition is dropped.
type Passthrough struct {
	sink    Sink
	id      string
	model   string
	created int64
	opts    Options

	text   strings.Builder
	finish openai.FinishReason
	usage  llm.Usage

	trimPending bool
	resumeBuf   string
}

func NewPassthrough(sink Sink, id, model string, created int64, opts Options) *Passthrough {
	return &Passthrough{sink: sink, id: id, model: model, created: created, opts: opts}
}

// BeginResume arms overlap trimming before a continuation segment.
func (p *Passthrough) BeginResume() {
	p.trimPending = true
	p.resumeBuf = ""
}

func (p *Passthrough) Consume(src ChunkSource) error {
	for {
		chunk, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return p.endSegment()
			}
			return err
		}

		if chunk.Usage != nil {
			p.usage.Add(llm.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			p.finish = choice.FinishReason
		}

		delta := choice.Delta
		if p.trimPending && delta.Content == "" &&
			(delta.ReasoningContent != "" || len(delta.ToolCalls) > 0) {
			// settle held text before non-text output so order is kept
			if text := p.settleTrim(); text != "" {
				if err := p.forward(openai.ChatCompletionStreamChoiceDelta{Content: text}); err != nil {
					return err
				}
			}
		}
		if p.trimPending && delta.Content != "" {
			p.resumeBuf += delta.Content
			hasOther := delta.ReasoningContent != "" || len(delta.ToolCalls) > 0 || delta.Role != ""
			if len(p.resumeBuf) < resumeOverlapChars && !hasOther {
				// hold text until the overlap window fills
				continue
			}
			delta.Content = p.settleTrim()
		}

		if delta.Content == "" && delta.ReasoningContent == "" &&
			len(delta.ToolCalls) == 0 && delta.Role == "" {
			continue
		}
		if err := p.forward(delta); err != nil {
			return err
		}
	}
}

// endSegment settles a pending overlap check with whatever arrived and
// forwards the remainder.
func (p *Passthrough) endSegment() error {
	if !p.trimPending {
		return nil
	}
	text := p.settleTrim()
	if text == "" {
		return nil
	}
	return p.forward(openai.ChatCompletionStreamChoiceDelta{Content: text})
}

func (p *Passthrough) settleTrim() string {
	p.trimPending = false
	tail := p.text.String()
	if len(tail) > resumeOverlapChars {
		tail = tail[len(tail)-resumeOverlapChars:]
	}
	text := trimOverlap(tail, p.resumeBuf)
	p.resumeBuf = ""
	return text
}

func (p *Passthrough) forward(delta openai.ChatCompletionStreamChoiceDelta) error {
	p.text.WriteString(delta.Content)
	out := openai.ChatCompletionStreamResponse{
		ID:      p.id,
		Object:  "chat.completion.chunk",
		Created: p.created,
		Model:   p.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: delta,
		}},
	}
	return p.sink.Send("", out)
}

// EmittedText returns the content streamed so far.
func (p *Passthrough) EmittedText() string {
	return p.text.String()
}

func (p *Passthrough) FinishReason() openai.FinishReason {
	return p.finish
}

// Finish emits the terminal chunk carrying finish_reason and usage,
// then the [DONE] sentinel.
func (p *Passthrough) Finish(stop llm.StopReason) error {
	if p.usage.OutputTokens == 0 {
		p.usage.OutputTokens = llm.EstimateTokensWith(p.text.String(), p.opts.CharsPerToken)
	}
	finish := convert.FinishFromStopReason(stop)
	out := openai.ChatCompletionStreamResponse{
		ID:      p.id,
		Object:  "chat.completion.chunk",
		Created: p.created,
		Model:   p.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			FinishReason: finish,
		}},
		Usage: &openai.Usage{
			PromptTokens:     p.usage.InputTokens,
			CompletionTokens: p.usage.OutputTokens,
			TotalTokens:      p.usage.InputTokens + p.usage.OutputTokens,
		},
	}
	if err := p.sink.Send("", out); err != nil {
		return err
	}
	return p.sink.Send("", "[DONE]")
}

// EmitError closes the stream with an OpenAI-shaped error payload.
func (p *Passthrough) EmitError(errType, message string) error {
	payload := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
	if err := p.sink.Send("", payload); err != nil {
		return err
	}
	return p.sink.Send("", "[DONE]")
}

// Package continuation detects output truncated at the max-token
// limit and drives bounded resume attempts, merging resumed text into
// the already-produced response.
package continuation

import (
	"context"
	"fmt"
	"strings"

	"modelgate/common"
	"modelgate/llm"

	"github.com/rs/zerolog/log"
)

// resumePrompt is the synthetic user turn appended after the partial
// assistant output. The tail of the truncated response is shown so the
// model can pick up mid-sentence or mid-JSON.
const resumePrompt = "[CONTINUE OUTPUT] Your previous response was truncated. Continue EXACTLY from where it stopped.\n\n" +
	"IMPORTANT:\n" +
	"- Do NOT repeat any content you already generated\n" +
	"- Do NOT add any preamble or explanation\n" +
	"- If you were in the middle of a tool call or JSON, complete it from the exact character where it was cut off\n\n" +
	"Your truncated response ended with:\n```\n%s\n```\n\nContinue from here:"

// mergeOverlapChars bounds the window checked for repeated text when a
// resumed segment is appended.
const mergeOverlapChars = 200

// Segment is one upstream response, original or resumed.
type Segment struct {
	Text       string
	Content    []llm.ContentBlock
	StopReason llm.StopReason
	Usage      llm.Usage
}

// SegmentFn runs one resume request and returns its assembled segment.
// attempt starts at 1 for the first resume.
type SegmentFn func(ctx context.Context, messages []llm.Message, attempt int) (Segment, error)

// Result is the merged outcome across all segments.
type Result struct {
	Text       string
	Content    []llm.ContentBlock
	StopReason llm.StopReason
	Usage      llm.Usage
	Attempts   int
	// Aborted is set when the output was truncated but resuming was
	// unsafe (emitted text below the minimum), so the partial result
	// went out as-is with stop reason max_tokens.
	Aborted bool
}

type Controller struct {
	cfg common.ContinuationConfig
}

func New(cfg common.ContinuationConfig) *Controller {
	return &Controller{cfg: cfg}
}

// ShouldContinue reports whether another resume attempt is warranted.
// Resuming on too little text produces malformed upstream requests, so
// short output aborts even when the stop reason says truncated.
func (c *Controller) ShouldContinue(text string, stop llm.StopReason, attempts int) bool {
	if stop != llm.StopReasonMaxTokens {
		return false
	}
	if attempts >= c.cfg.MaxAttempts {
		log.Warn().Int("attempts", attempts).Msg("continuation attempt limit reached")
		return false
	}
	return len(strings.TrimSpace(text)) >= c.cfg.MinResumeTextLength
}

// BuildResumeMessages appends the partial assistant output and the
// resume instruction to the normalized history.
func (c *Controller) BuildResumeMessages(base []llm.Message, emitted string) []llm.Message {
	out := make([]llm.Message, 0, len(base)+2)
	out = append(out, base...)
	out = append(out, llm.NewTextMessage(llm.RoleAssistant, emitted))
	tail := TruncatedEnding(emitted, c.cfg.TruncatedEndingChars)
	out = append(out, llm.NewTextMessage(llm.RoleUser, fmt.Sprintf(resumePrompt, tail)))
	return out
}

// BuildResumeRequest clones the original request with resume messages
// and the continuation token budget.
func (c *Controller) BuildResumeRequest(req llm.ChatRequest, emitted string) llm.ChatRequest {
	out := req
	out.Messages = c.BuildResumeMessages(req.Messages, emitted)
	if c.cfg.MaxTokens > 0 {
		out.MaxTokens = c.cfg.MaxTokens
	}
	return out
}

// Run drives the non-streaming assembly: given the first segment, it
// keeps resuming while the stop reason is max_tokens and merging the
// resumed text, bounded by the attempt limit. Upstream failures during
// a resume terminate continuation with the accumulated content as
// final.
func (c *Controller) Run(ctx context.Context, base []llm.Message, first Segment, fn SegmentFn) Result {
	res := Result{
		Text:       first.Text,
		Content:    append([]llm.ContentBlock(nil), first.Content...),
		StopReason: first.StopReason,
		Usage:      first.Usage,
	}

	for res.StopReason == llm.StopReasonMaxTokens {
		if !c.ShouldContinue(res.Text, res.StopReason, res.Attempts) {
			if res.Attempts == 0 && len(strings.TrimSpace(res.Text)) < c.cfg.MinResumeTextLength {
				res.Aborted = true
			}
			break
		}

		messages := c.BuildResumeMessages(base, res.Text)
		res.Attempts++
		seg, err := fn(ctx, messages, res.Attempts)
		if err != nil {
			log.Warn().Err(err).Int("attempt", res.Attempts).
				Msg("resume attempt failed, returning accumulated content")
			res.StopReason = llm.StopReasonMaxTokens
			return res
		}

		c.merge(&res, seg)
		res.StopReason = seg.StopReason
		res.Usage.Add(seg.Usage)

		log.Info().Int("attempt", res.Attempts).Str("stop", string(seg.StopReason)).
			Int("chars", len(res.Text)).Msg("continuation segment merged")
	}
	return res
}

// merge appends a resumed segment, fusing its leading text block into
// the trailing one and dropping any repeated overlap.
func (c *Controller) merge(res *Result, seg Segment) {
	next := seg.Content
	if len(next) == 0 && seg.Text != "" {
		next = []llm.ContentBlock{llm.TextBlock(seg.Text)}
	}
	if len(next) == 0 {
		return
	}

	if n := len(res.Content); n > 0 && res.Content[n-1].Type == llm.BlockTypeText && next[0].Type == llm.BlockTypeText {
		addition := RemoveOverlap(res.Text, next[0].Text)
		res.Content[n-1].Text += addition
		res.Text += addition
		next = next[1:]
	}
	for _, block := range next {
		res.Content = append(res.Content, block)
		if block.Type == llm.BlockTypeText {
			res.Text += block.Text
		}
	}
}

// RemoveOverlap drops the longest prefix of cont that repeats the tail
// of original.
func RemoveOverlap(original, cont string) string {
	if original == "" || cont == "" {
		return cont
	}
	tail := original
	if len(tail) > mergeOverlapChars {
		tail = tail[len(tail)-mergeOverlapChars:]
	}
	max := len(cont)
	if len(tail) < max {
		max = len(tail)
	}
	for i := max; i > 0; i-- {
		if strings.HasSuffix(tail, cont[:i]) {
			return cont[i:]
		}
	}
	return cont
}

// TruncatedEnding extracts the tail shown to the resume prompt,
// snapping to a line start when one falls in the first half of the
// window.
func TruncatedEnding(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	ending := text[len(text)-maxChars:]
	if pos := strings.Index(ending, "\n"); pos > 0 && pos < maxChars/2 {
		ending = ending[pos+1:]
	}
	return ending
}

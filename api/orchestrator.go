package api

import (
	"context"

	"modelgate/continuation"
	"modelgate/convert"
	"modelgate/history"
	"modelgate/llm"
	"modelgate/upstream"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// summaryMaxTokens caps the summarization call issued on behalf of the
// history engine.
const summaryMaxTokens = 2048

func (ctrl *Controller) newEngine() *history.Engine {
	return history.NewEngine(ctrl.cfg.History, ctrl.cfg.AsyncSummary, ctrl.cache, ctrl.scheduler)
}

// summaryFn is the upstream-backed summarizer injected into the
// history engine. The cheaper tier does the summarizing unless the
// config overrides the summary model.
func (ctrl *Controller) summaryFn() history.SummaryFn {
	return func(ctx context.Context, older []llm.Message) (string, error) {
		prompt := history.BuildSummaryPrompt(older, ctrl.cfg.History.SummaryMaxLength)
		return ctrl.upstream.Summarize(ctx, ctrl.cfg.Routing.SonnetModel, prompt, summaryMaxTokens)
	}
}

// inlineFallback reports whether inline tool markers in upstream text
// should be extracted into tool_use blocks.
func (ctrl *Controller) inlineFallback() bool {
	return !ctrl.cfg.Tools.NativeEnabled || ctrl.cfg.Tools.NativeFallbackEnabled
}

// completeWithRetries issues a non-streaming upstream call, shrinking
// the history through the engine and retrying when the upstream
// rejects the request as too long. It returns the response and the
// messages actually sent, which later continuation attempts build on.
func (ctrl *Controller) completeWithRetries(ctx context.Context, engine *history.Engine, req llm.ChatRequest, model string) (llm.ChatResponse, []llm.Message, error) {
	messages := req.Messages
	for retry := 0; ; retry++ {
		attempt := req
		attempt.Messages = messages
		wire := convert.ToChatCompletionRequest(attempt, model, ctrl.cfg.Tools)

		resp, err := ctrl.upstream.CreateChatCompletion(ctx, wire)
		if err == nil {
			return convert.FromChatCompletionResponse(resp, ctrl.inlineFallback()), messages, nil
		}
		if !upstream.IsLengthError(err) {
			return llm.ChatResponse{}, nil, err
		}

		shrunk, retryOk := engine.HandleLengthError(ctx, messages, retry, ctrl.summaryFn())
		if !retryOk {
			return llm.ChatResponse{}, nil, err
		}
		log.Info().Int("retry", retry+1).Int("messages", len(shrunk)).
			Msg("retrying after upstream length error")
		messages = shrunk
	}
}

// completeWithContinuation runs the non-streaming assembly: the first
// response plus bounded resume attempts when output hit the token
// limit.
func (ctrl *Controller) completeWithContinuation(ctx context.Context, engine *history.Engine, req llm.ChatRequest, model string) (llm.ChatResponse, continuation.Result, error) {
	first, sentMessages, err := ctrl.completeWithRetries(ctx, engine, req, model)
	if err != nil {
		return llm.ChatResponse{}, continuation.Result{}, err
	}

	cont := continuation.New(ctrl.cfg.Continuation)
	firstSegment := continuation.Segment{
		Text:       first.Text(),
		Content:    first.Content,
		StopReason: first.StopReason,
		Usage:      first.Usage,
	}

	merged := cont.Run(ctx, sentMessages, firstSegment, func(ctx context.Context, messages []llm.Message, attempt int) (continuation.Segment, error) {
		resume := req
		resume.Messages = messages
		if ctrl.cfg.Continuation.MaxTokens > 0 {
			resume.MaxTokens = ctrl.cfg.Continuation.MaxTokens
		}
		wire := convert.ToChatCompletionRequest(resume, model, ctrl.cfg.Tools)

		resp, err := ctrl.upstream.CreateChatCompletion(ctx, wire)
		if err != nil {
			return continuation.Segment{}, err
		}
		conv := convert.FromChatCompletionResponse(resp, ctrl.inlineFallback())
		return continuation.Segment{
			Text:       conv.Text(),
			Content:    conv.Content,
			StopReason: conv.StopReason,
			Usage:      conv.Usage,
		}, nil
	})

	final := llm.ChatResponse{
		Model:      model,
		Content:    merged.Content,
		StopReason: merged.StopReason,
		Usage:      merged.Usage,
	}
	return final, merged, nil
}

// openStreamWithRetries opens the upstream stream, applying the same
// shrink-and-retry loop to length errors raised at connection time.
func (ctrl *Controller) openStreamWithRetries(ctx context.Context, engine *history.Engine, req llm.ChatRequest, model string) (*openai.ChatCompletionStream, []llm.Message, error) {
	messages := req.Messages
	for retry := 0; ; retry++ {
		attempt := req
		attempt.Messages = messages
		wire := convert.ToChatCompletionRequest(attempt, model, ctrl.cfg.Tools)

		s, err := ctrl.upstream.CreateChatCompletionStream(ctx, wire)
		if err == nil {
			return s, messages, nil
		}
		if !upstream.IsLengthError(err) {
			return nil, nil, err
		}

		shrunk, retryOk := engine.HandleLengthError(ctx, messages, retry, ctrl.summaryFn())
		if !retryOk {
			return nil, nil, err
		}
		log.Info().Int("retry", retry+1).Int("messages", len(shrunk)).
			Msg("retrying stream open after upstream length error")
		messages = shrunk
	}
}

// openResumeStream opens one continuation segment's stream.
func (ctrl *Controller) openResumeStream(ctx context.Context, req llm.ChatRequest, base []llm.Message, emitted string, model string) (*openai.ChatCompletionStream, error) {
	cont := continuation.New(ctrl.cfg.Continuation)
	resume := req
	resume.Messages = base
	resume = cont.BuildResumeRequest(resume, emitted)
	wire := convert.ToChatCompletionRequest(resume, model, ctrl.cfg.Tools)
	return ctrl.upstream.CreateChatCompletionStream(ctx, wire)
}

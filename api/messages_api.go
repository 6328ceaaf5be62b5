package api

import (
	"net/http"
	"strconv"

	"modelgate/anthropic"
	"modelgate/continuation"
	"modelgate/convert"
	"modelgate/history"
	"modelgate/llm"
	"modelgate/stream"
	"modelgate/upstream"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
	openai "github.com/sashabaranov/go-openai"
)

// MessagesHandler serves the Anthropic-style Messages endpoint, both
// streaming and buffered.
func (ctrl *Controller) MessagesHandler(c *gin.Context) {
	var wireReq anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&wireReq); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", err.Error()))
		return
	}

	req, err := convert.FromMessagesRequest(wireReq)
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "messages must not be empty"))
		return
	}

	requestId := uuid.New().String()
	messageId := "msg_" + ksuid.New().String()
	c.Header("X-Request-Id", requestId)
	ctx := c.Request.Context()

	engine := ctrl.newEngine()
	req.Messages = engine.PreProcessAsync(ctx, req.Messages, ctrl.summaryFn())
	decision := ctrl.router.Route(req, c.GetHeader(ctrl.cfg.Routing.WhitelistHeader))

	log.Info().Str("requestId", requestId).Str("model", decision.Model).
		Str("reason", decision.Reason).Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).Msg("messages request")

	if req.Stream {
		ctrl.streamAnthropic(c, engine, req, decision.Model, messageId)
		return
	}

	resp, merged, err := ctrl.completeWithContinuation(ctx, engine, req, decision.Model)
	if err != nil {
		status, errType := upstreamErrorStatus(err)
		log.Error().Err(err).Str("requestId", requestId).Msg("messages request failed")
		c.JSON(status, anthropic.NewErrorResponse(errType, err.Error()))
		return
	}

	ctrl.setWarningHeaders(c, engine)
	if merged.Attempts > 0 {
		c.Header("X-Continuation-Attempts", strconv.Itoa(merged.Attempts))
	}
	c.JSON(http.StatusOK, convert.ToMessagesResponse(messageId, resp))
}

func (ctrl *Controller) streamAnthropic(c *gin.Context, engine *history.Engine, req llm.ChatRequest, model, messageId string) {
	ctx := c.Request.Context()

	upstreamStream, sentMessages, err := ctrl.openStreamWithRetries(ctx, engine, req, model)
	if err != nil {
		status, errType := upstreamErrorStatus(err)
		c.JSON(status, anthropic.NewErrorResponse(errType, err.Error()))
		return
	}

	// headers must precede the SSE body; by now any open-time length
	// retries have been recorded on the engine
	ctrl.setWarningHeaders(c, engine)

	sink := newSSESink(c)
	reemit := stream.NewReemitter(sink, messageId, model, stream.Options{
		InlineTools:   !ctrl.cfg.Tools.NativeEnabled,
		InputTokens:   llm.EstimateMessagesTokensWith(sentMessages, ctrl.cfg.History.CharsPerToken),
		CharsPerToken: ctrl.cfg.History.CharsPerToken,
	})
	cont := continuation.New(ctrl.cfg.Continuation)

	consume := func(s *openai.ChatCompletionStream) error {
		defer s.Close()
		return reemit.Consume(s)
	}

	if err := consume(upstreamStream); err != nil {
		log.Error().Err(err).Msg("upstream stream failed")
		reemit.EmitError("api_error", err.Error())
		return
	}

	attempts := 0
	for {
		stop := convert.StopReasonFromFinish(reemit.FinishReason())
		if !cont.ShouldContinue(reemit.EmittedText(), stop, attempts) {
			break
		}
		attempts++

		next, err := ctrl.openResumeStream(ctx, req, sentMessages, reemit.EmittedText(), model)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("resume stream open failed")
			reemit.OverrideStop(llm.StopReasonMaxTokens)
			break
		}
		reemit.BeginResume()
		if err := consume(next); err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("resume stream failed")
			reemit.OverrideStop(llm.StopReasonMaxTokens)
			break
		}
	}

	if _, err := reemit.Finish(); err != nil {
		log.Warn().Err(err).Msg("failed to finish stream")
	}
}

func (ctrl *Controller) setWarningHeaders(c *gin.Context, engine *history.Engine) {
	if !ctrl.cfg.History.AddWarningHeader || !engine.WasTruncated {
		return
	}
	c.Header("X-History-Truncated", "true")
	c.Header("X-History-Truncate-Info", engine.TruncateInfo)
}

// upstreamErrorStatus maps an upstream failure onto the HTTP status
// and dialect error type surfaced to the client.
func upstreamErrorStatus(err error) (int, string) {
	switch upstream.ClassifyError(err) {
	case upstream.ErrorKindContentTooLong:
		return http.StatusBadRequest, "invalid_request_error"
	case upstream.ErrorKindAuthFailed:
		return http.StatusUnauthorized, "authentication_error"
	case upstream.ErrorKindRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error"
	case upstream.ErrorKindServiceUnavailable:
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

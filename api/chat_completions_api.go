package api

import (
	"net/http"
	"strconv"
	"time"

	"modelgate/continuation"
	"modelgate/convert"
	"modelgate/history"
	"modelgate/llm"
	"modelgate/stream"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
	openai "github.com/sashabaranov/go-openai"
)

// ChatCompletionsHandler serves the OpenAI-compatible endpoint. The
// pipeline is the same as the Messages endpoint; only the wire dialect
// at both edges differs.
func (ctrl *Controller) ChatCompletionsHandler(c *gin.Context) {
	var wireReq openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&wireReq); err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	req := convert.FromChatCompletionRequest(wireReq)
	if len(req.Messages) == 0 {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	requestId := uuid.New().String()
	responseId := "chatcmpl-" + ksuid.New().String()
	c.Header("X-Request-Id", requestId)
	ctx := c.Request.Context()

	engine := ctrl.newEngine()
	req.Messages = engine.PreProcessAsync(ctx, req.Messages, ctrl.summaryFn())
	decision := ctrl.router.Route(req, c.GetHeader(ctrl.cfg.Routing.WhitelistHeader))

	log.Info().Str("requestId", requestId).Str("model", decision.Model).
		Str("reason", decision.Reason).Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).Msg("chat completions request")

	if req.Stream {
		ctrl.streamOpenAI(c, engine, req, decision.Model, responseId)
		return
	}

	resp, merged, err := ctrl.completeWithContinuation(ctx, engine, req, decision.Model)
	if err != nil {
		status, errType := upstreamErrorStatus(err)
		log.Error().Err(err).Str("requestId", requestId).Msg("chat completions request failed")
		openaiError(c, status, errType, err.Error())
		return
	}

	ctrl.setWarningHeaders(c, engine)
	if merged.Attempts > 0 {
		c.Header("X-Continuation-Attempts", strconv.Itoa(merged.Attempts))
	}
	c.JSON(http.StatusOK, convert.ToChatCompletionResponse(responseId, time.Now().Unix(), resp))
}

func (ctrl *Controller) streamOpenAI(c *gin.Context, engine *history.Engine, req llm.ChatRequest, model, responseId string) {
	ctx := c.Request.Context()

	upstreamStream, sentMessages, err := ctrl.openStreamWithRetries(ctx, engine, req, model)
	if err != nil {
		status, errType := upstreamErrorStatus(err)
		openaiError(c, status, errType, err.Error())
		return
	}

	// headers must precede the SSE body; by now any open-time length
	// retries have been recorded on the engine
	ctrl.setWarningHeaders(c, engine)

	sink := newSSESink(c)
	passthrough := stream.NewPassthrough(sink, responseId, model, time.Now().Unix(), stream.Options{
		CharsPerToken: ctrl.cfg.History.CharsPerToken,
	})
	cont := continuation.New(ctrl.cfg.Continuation)

	consume := func(s *openai.ChatCompletionStream) error {
		defer s.Close()
		return passthrough.Consume(s)
	}

	if err := consume(upstreamStream); err != nil {
		log.Error().Err(err).Msg("upstream stream failed")
		passthrough.EmitError("api_error", err.Error())
		return
	}

	attempts := 0
	stop := convert.StopReasonFromFinish(passthrough.FinishReason())
	for cont.ShouldContinue(passthrough.EmittedText(), stop, attempts) {
		attempts++

		next, err := ctrl.openResumeStream(ctx, req, sentMessages, passthrough.EmittedText(), model)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("resume stream open failed")
			stop = llm.StopReasonMaxTokens
			break
		}
		passthrough.BeginResume()
		if err := consume(next); err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("resume stream failed")
			stop = llm.StopReasonMaxTokens
			break
		}
		stop = convert.StopReasonFromFinish(passthrough.FinishReason())
	}

	if err := passthrough.Finish(stop); err != nil {
		log.Warn().Err(err).Msg("failed to finish stream")
	}
}

func openaiError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

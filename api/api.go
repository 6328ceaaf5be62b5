// Package api exposes the proxy's HTTP surface: the Anthropic-style
// Messages endpoint, the OpenAI-compatible chat completions endpoint,
// token counting, model listing, and the admin surface. The Controller
// owns the process-wide pieces (routing counters, upstream pool,
// summary cache and scheduler); per-request state lives in the
// handlers.
package api

import (
	"fmt"
	"net/http"
	"time"

	"modelgate/anthropic"
	"modelgate/common"
	"modelgate/convert"
	"modelgate/history"
	"modelgate/llm"
	"modelgate/router"
	"modelgate/upstream"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func RunServer(cfg common.Config) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	ctrl := NewController(cfg)
	engine := DefineRoutes(ctrl)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine.Handler(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start API server")
		}
	}()

	return srv
}

type Controller struct {
	cfg       common.Config
	router    *router.Router
	upstream  *upstream.Client
	cache     *history.SummaryCache
	scheduler *history.Scheduler
	startedAt time.Time
}

func NewController(cfg common.Config) *Controller {
	return &Controller{
		cfg:       cfg,
		router:    router.New(cfg.Routing),
		upstream:  upstream.NewClient(cfg.Upstream),
		cache:     history.NewSummaryCache(cfg.SummaryCache),
		scheduler: history.NewScheduler(cfg.AsyncSummary),
		startedAt: time.Now(),
	}
}

func DefineRoutes(ctrl *Controller) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.ForwardedByClientIP = true
	r.SetTrustedProxies(nil)

	r.GET("/", ctrl.LivenessHandler)

	v1 := r.Group("/v1")
	v1.POST("/messages", ctrl.MessagesHandler)
	v1.POST("/messages/count_tokens", ctrl.CountTokensHandler)
	v1.POST("/chat/completions", ctrl.ChatCompletionsHandler)
	v1.GET("/models", ctrl.ModelsHandler)

	admin := r.Group("/admin")
	admin.GET("/config", ctrl.AdminConfigHandler)
	admin.GET("/routing/stats", ctrl.RoutingStatsHandler)
	admin.POST("/routing/reset", ctrl.RoutingResetHandler)

	return r
}

func (ctrl *Controller) ErrorHandler(c *gin.Context, status int, err error) {
	log.Error().Err(err).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func (ctrl *Controller) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "modelgate",
		"uptime_seconds": int(time.Since(ctrl.startedAt).Seconds()),
	})
}

// ModelsHandler lists the two routed tiers plus their short aliases,
// OpenAI list-shaped since both client dialects accept it.
func (ctrl *Controller) ModelsHandler(c *gin.Context) {
	opus, sonnet := ctrl.router.Models()
	created := ctrl.startedAt.Unix()

	var data []gin.H
	for _, id := range []string{opus, sonnet, "opus", "sonnet"} {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "modelgate",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// CountTokensHandler estimates without calling upstream; the estimate
// uses the same heuristic the history engine budgets with.
func (ctrl *Controller) CountTokensHandler(c *gin.Context) {
	var wireReq anthropic.CountTokensRequest
	if err := c.ShouldBindJSON(&wireReq); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", err.Error()))
		return
	}

	req, err := convert.FromMessagesRequest(anthropic.MessagesRequest{
		Model:    wireReq.Model,
		Messages: wireReq.Messages,
		System:   wireReq.System,
		Tools:    wireReq.Tools,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", err.Error()))
		return
	}

	perToken := ctrl.cfg.History.CharsPerToken
	tokens := llm.EstimateMessagesTokensWith(req.Messages, perToken) + llm.EstimateTokensWith(req.System, perToken)
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{InputTokens: tokens})
}

func (ctrl *Controller) AdminConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ctrl.cfg.Sanitized())
}

func (ctrl *Controller) RoutingStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ctrl.router.Stats())
}

func (ctrl *Controller) RoutingResetHandler(c *gin.Context) {
	ctrl.router.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "routing stats reset"})
}

// Package upstream owns the shared HTTP/1.1 client pool used for all
// calls to the upstream gateway. HTTP/2 is explicitly disabled: the
// gateway multiplexes poorly and co-mingles concurrent requests on a
// shared connection.
package upstream

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"modelgate/common"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type Client struct {
	cfg common.UpstreamConfig
	api *openai.Client
}

// NewClient builds the process-lifetime upstream client with a bounded
// connection pool.
func NewClient(cfg common.UpstreamConfig) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnections,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxKeepalive,
		IdleConnTimeout:     cfg.KeepaliveExpiry(),
		// keep the client on HTTP/1.1
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout(),
	}

	return &Client{
		cfg: cfg,
		api: openai.NewClientWithConfig(clientConfig),
	}
}

// CreateChatCompletion issues a non-streaming call, retrying transient
// failures with exponential backoff. Length-limit errors are returned
// immediately for the history engine to handle.
func (c *Client) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse

	operation := func() error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, req)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, c.newBackOff(ctx))
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("upstream chat completion failed")
	}
	return resp, err
}

// CreateChatCompletionStream opens a streaming call. Only the initial
// connection is retried; once the stream is established, mid-stream
// failures surface to the re-emitter.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var stream *openai.ChatCompletionStream

	operation := func() error {
		var err error
		stream, err = c.api.CreateChatCompletionStream(ctx, req)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, c.newBackOff(ctx))
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("upstream stream open failed")
		return nil, err
	}
	return stream, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitialInterval()
	policy.MaxElapsedTime = c.cfg.RequestTimeout()

	maxRetries := c.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx)
}

// Summarize runs the injected summarization call on the configured
// summary model (the cheaper tier unless overridden).
func (c *Client) Summarize(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	if c.cfg.SummaryModel != "" {
		model = c.cfg.SummaryModel
	}
	resp, err := c.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: c.cfg.SummaryTemperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Timeout returns the per-attempt deadline enforced by the pool.
func (c *Client) Timeout() time.Duration {
	return c.cfg.RequestTimeout()
}

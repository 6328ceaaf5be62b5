package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"modelgate/common"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamConfig(baseURL string) common.UpstreamConfig {
	return common.UpstreamConfig{
		BaseURL:                baseURL,
		APIKey:                 "test-key",
		MaxConnections:         10,
		MaxKeepalive:           5,
		KeepaliveExpirySeconds: 30,
		RequestTimeoutSeconds:  10,
		MaxRetries:             3,
		RetryInitialIntervalMs: 1,
	}
}

func TestIsContentLengthError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		text     string
		expected bool
	}{
		{"kiro style", 400, `{"error":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`, true},
		{"anthropic style", 400, "Input is too long for requested model", true},
		{"openai style", 400, "context_length_exceeded", true},
		{"max context", 400, "This model's maximum context length is 200000 tokens", true},
		{"loose match", 400, "the input content is too long", true},
		{"token limit", 400, "token limit exceeded", true},
		{"unrelated 400", 400, "Improperly formed request", false},
		{"empty", 500, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsContentLengthError(tt.status, tt.text))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorKindContentTooLong, Classify(400, "Input is too long"))
	assert.Equal(t, ErrorKindRateLimited, Classify(429, "slow down"))
	assert.Equal(t, ErrorKindAuthFailed, Classify(401, "bad key"))
	assert.Equal(t, ErrorKindAuthFailed, Classify(403, "forbidden"))
	assert.Equal(t, ErrorKindServiceUnavailable, Classify(503, "unavailable"))
	assert.Equal(t, ErrorKindUnknown, Classify(400, "Improperly formed request"))
}

func TestIsLengthError(t *testing.T) {
	lengthErr := &openai.APIError{HTTPStatusCode: 400, Message: "Input is too long"}
	otherErr := &openai.APIError{HTTPStatusCode: 400, Message: "Improperly formed request"}
	assert.True(t, IsLengthError(lengthErr))
	assert.False(t, IsLengthError(otherErr))
	assert.False(t, IsLengthError(nil))
}

func TestCreateChatCompletionRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "resp-1",
			Model: "m",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "ok"},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	defer server.Close()

	client := NewClient(upstreamConfig(server.URL + "/v1"))
	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateChatCompletionDoesNotRetryLengthError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Input is too long for requested model",
				"type":    "invalid_request_error",
			},
		})
	}))
	defer server.Close()

	client := NewClient(upstreamConfig(server.URL + "/v1"))
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})

	require.Error(t, err)
	assert.True(t, IsLengthError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateChatCompletionBoundedRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(upstreamConfig(server.URL + "/v1"))
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSummarizeUsesConfiguredModel(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "summary text"},
			}},
		})
	}))
	defer server.Close()

	cfg := upstreamConfig(server.URL + "/v1")
	cfg.SummaryModel = "sonnet-cheap"
	client := NewClient(cfg)

	summary, err := client.Summarize(context.Background(), "fallback-model", "summarize this", 1024)

	require.NoError(t, err)
	assert.Equal(t, "summary text", summary)
	assert.Equal(t, "sonnet-cheap", gotModel)
}

package upstream

import (
	"errors"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies upstream failures for the retry policy.
type ErrorKind string

const (
	ErrorKindContentTooLong     ErrorKind = "content_too_long"
	ErrorKindRateLimited        ErrorKind = "rate_limited"
	ErrorKindAuthFailed         ErrorKind = "auth_failed"
	ErrorKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// IsContentLengthError matches the length-limit error shapes emitted
// by the upstream gateways this proxy fronts.
func IsContentLengthError(statusCode int, errorText string) bool {
	if errorText == "" {
		return false
	}

	if strings.Contains(errorText, "CONTENT_LENGTH_EXCEEDS_THRESHOLD") {
		return true
	}
	if strings.Contains(errorText, "Input is too long") {
		return true
	}
	if strings.Contains(errorText, "context_length_exceeded") {
		return true
	}

	lowered := strings.ToLower(errorText)
	if strings.Contains(lowered, "maximum context length") {
		return true
	}
	if strings.Contains(lowered, "too long") &&
		(strings.Contains(lowered, "input") || strings.Contains(lowered, "content") ||
			strings.Contains(lowered, "message") || strings.Contains(lowered, "context")) {
		return true
	}
	if strings.Contains(lowered, "token") &&
		(strings.Contains(lowered, "limit") || strings.Contains(lowered, "exceed")) {
		return true
	}

	return false
}

// Classify buckets an HTTP failure by status code and body text.
func Classify(statusCode int, errorText string) ErrorKind {
	if IsContentLengthError(statusCode, errorText) {
		return ErrorKindContentTooLong
	}
	switch {
	case statusCode == 429:
		return ErrorKindRateLimited
	case statusCode == 401 || statusCode == 403:
		return ErrorKindAuthFailed
	case statusCode >= 500 && statusCode <= 504:
		return ErrorKindServiceUnavailable
	default:
		return ErrorKindUnknown
	}
}

// ClassifyError inspects an error returned by the upstream client.
func ClassifyError(err error) ErrorKind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Classify(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Classify(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return ErrorKindUnknown
}

// IsLengthError reports whether err is a length-limit failure, which
// the history engine handles instead of the retry loop.
func IsLengthError(err error) bool {
	return ClassifyError(err) == ErrorKindContentTooLong
}

// isTransient reports whether an error is worth retrying: connection
// resets, timeouts, and 5xx responses. Length-pattern 4xx and other
// client errors are not retried here.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyError(err) {
	case ErrorKindContentTooLong, ErrorKindAuthFailed:
		return false
	case ErrorKindRateLimited, ErrorKindServiceUnavailable:
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "connection reset") ||
		strings.Contains(text, "broken pipe") ||
		strings.Contains(text, "EOF")
}

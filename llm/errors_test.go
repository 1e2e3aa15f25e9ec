package llm

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{413, false},
		{429, true},
		{500, true},
		{503, true},
		{599, true},
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "msg", "test", nil)
		assert.Equal(t, tt.retryable, IsRetryable(err), "status %d", tt.status)
	}
}

func TestErrorFromStatusCodeTypes(t *testing.T) {
	var rate *RateLimitError
	assert.True(t, errors.As(ErrorFromStatusCode(429, "x", "p", nil), &rate))
	var auth *AuthenticationError
	assert.True(t, errors.As(ErrorFromStatusCode(401, "x", "p", nil), &auth))
	var ctxLen *ContextLengthError
	assert.True(t, errors.As(ErrorFromStatusCode(413, "x", "p", nil), &ctxLen))
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg       string
		retryable bool
	}{
		{"401 Unauthorized", false},
		{"invalid API key provided", false},
		{"rate limit reached", true},
		{"502 bad gateway", true},
		{"the model is overloaded", true},
		{"maximum context length exceeded", false},
		{"dial tcp: connection refused", true},
		{"something odd", true},
	}
	for _, tt := range tests {
		err := ClassifyMessage("p", errors.New(tt.msg))
		assert.Equal(t, tt.retryable, IsRetryable(err), tt.msg)
	}
	assert.Nil(t, ClassifyMessage("p", nil))
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	base := &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "down"}, Retryable: true}}
	assert.True(t, IsRetryable(pkgerrors.Wrap(base, "complete")))

	auth := &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "no"}}}
	assert.False(t, IsRetryable(pkgerrors.Wrap(auth, "complete")))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(&AbortError{SDKError: SDKError{Message: "cancelled"}}))
}

package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"rate limited", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, KindTransient},
		{"server error", &HTTPStatusError{StatusCode: http.StatusBadGateway}, KindTransient},
		{"not found", &HTTPStatusError{StatusCode: http.StatusNotFound}, KindValidation},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"unknown", errors.New("boom"), KindFatal},
		{"cancelled", context.Canceled, KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindOfPrefersExplicitClassification(t *testing.T) {
	err := fmt.Errorf("validating: %w", Validation(CodeSchemaMismatch, errors.New("no price column")))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, CodeSchemaMismatch, CodeOf(err))
	assert.False(t, IsRetryable(err))

	wrapped := Transient(CodeRateLimit, &HTTPStatusError{StatusCode: 429})
	assert.True(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "RATE_LIMIT_EXCEEDED")
}

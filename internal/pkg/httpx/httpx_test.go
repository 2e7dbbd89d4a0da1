package httpx

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.True(t, IsRetryableHTTPStatus(408))
	assert.True(t, IsRetryableHTTPStatus(429))
	assert.True(t, IsRetryableHTTPStatus(500))
	assert.True(t, IsRetryableHTTPStatus(599))
	assert.False(t, IsRetryableHTTPStatus(400))
	assert.False(t, IsRetryableHTTPStatus(404))
}

func TestIsRetryableErrorNilIsFalse(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableErrorContextDeadline(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(context.Canceled))
}

type statusCodedError struct{ code int }

func (e statusCodedError) Error() string       { return "status coded" }
func (e statusCodedError) HTTPStatusCode() int { return e.code }

func TestIsRetryableErrorDelegatesToStatusCoder(t *testing.T) {
	assert.True(t, IsRetryableError(statusCodedError{code: 503}))
	assert.False(t, IsRetryableError(statusCodedError{code: 400}))
}

func TestIsRetryableErrorPlainErrorIsFalse(t *testing.T) {
	assert.False(t, IsRetryableError(errors.New("boom")))
}

func TestRetryAfterDurationUsesHeaderWhenPresent(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"5"}}}
	got := RetryAfterDuration(resp, 2*time.Second, 30*time.Second)
	assert.Equal(t, 5*time.Second, got)
}

func TestRetryAfterDurationFallsBackWithoutHeader(t *testing.T) {
	got := RetryAfterDuration(nil, 2*time.Second, 30*time.Second)
	assert.Equal(t, 2*time.Second, got)
}

func TestRetryAfterDurationClampsToMax(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	got := RetryAfterDuration(resp, 2*time.Second, 30*time.Second)
	assert.Equal(t, 30*time.Second, got)
}

func TestRetryAfterDurationIgnoresMalformedHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"not-a-number"}}}
	got := RetryAfterDuration(resp, 2*time.Second, 30*time.Second)
	assert.Equal(t, 2*time.Second, got)
}

func TestJitterSleepStaysWithinTwentyPercentBand(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := JitterSleep(base)
		assert.GreaterOrEqual(t, got, 8*time.Second)
		assert.LessOrEqual(t, got, 12*time.Second)
	}
}

func TestJitterSleepZeroForNonPositiveBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), JitterSleep(0))
	assert.Equal(t, time.Duration(0), JitterSleep(-time.Second))
}

package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const service = "landsat"

func newTestHandler(now *time.Time) *Handler {
	h := NewHandler(&RetryStrategy{
		Intervals:  []time.Duration{time.Minute, 5 * time.Minute},
		MaxRetries: 3,
	})
	h.SetAutoRetry(false)
	h.now = func() time.Time { return *now }
	return h
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status}
}

func TestCheckResponseDetectsRateLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&now)
	defer h.Close()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden, 509} {
		h.ManualRetry(service)
		assert.True(t, h.CheckResponse(service, response(status)), "status %d", status)
	}
	assert.False(t, h.CheckResponse(service, response(http.StatusOK)))
	assert.False(t, h.IsRateLimited(service))
}

func TestAllowDuringBackoff(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&now)
	defer h.Close()

	require.NoError(t, h.Allow(service))
	h.CheckResponse(service, response(http.StatusTooManyRequests))

	err := h.Allow(service)
	assert.ErrorIs(t, err, ErrRateLimited)

	now = now.Add(time.Minute)
	assert.NoError(t, h.Allow(service))
	assert.True(t, h.IsRateLimited(service))
}

func TestBackoffEscalatesAndRepeatsLastInterval(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&now)
	defer h.Close()

	h.CheckResponse(service, response(http.StatusTooManyRequests))
	assert.Equal(t, now.Add(time.Minute), h.GetCurrentState(service).NextRetryAt)

	h.CheckResponse(service, response(http.StatusTooManyRequests))
	state := h.GetCurrentState(service)
	assert.Equal(t, 1, state.RetryAttempt)
	assert.Equal(t, now.Add(5*time.Minute), state.NextRetryAt)

	h.CheckResponse(service, response(http.StatusTooManyRequests))
	state = h.GetCurrentState(service)
	assert.Equal(t, 2, state.RetryAttempt)
	assert.Equal(t, now.Add(5*time.Minute), state.NextRetryAt)
	assert.Contains(t, state.Message, "still rate limiting")
}

func TestRecoveryClearsState(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&now)
	defer h.Close()

	recovered := make(chan string, 1)
	h.SetOnRecovered(func(s string) { recovered <- s })

	h.CheckResponse(service, response(http.StatusTooManyRequests))
	h.CheckResponse(service, response(http.StatusOK))

	assert.Nil(t, h.GetCurrentState(service))
	select {
	case s := <-recovered:
		assert.Equal(t, service, s)
	case <-time.After(time.Second):
		t.Fatal("expected recovery callback")
	}
}

func TestManualRetryClearsState(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&now)
	defer h.Close()

	h.CheckResponse(service, response(http.StatusTooManyRequests))
	h.ManualRetry(service)

	assert.False(t, h.IsRateLimited(service))
	assert.NoError(t, h.Allow(service))
}

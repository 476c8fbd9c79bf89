package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// ErrRateLimited is returned for requests made while a service is backing off
var ErrRateLimited = errors.New("service is rate limited")

// RetryStrategy defines the backoff intervals for rate limit retries
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy backs off in steps of one to ten minutes. Interactive
// queries are small, so the service usually recovers quickly.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
			10 * time.Minute,
		},
		MaxRetries: 10,
	}
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp" ts_type:"string"`
	Service      string    `json:"service"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt" ts_type:"string"`
	Message      string    `json:"message"`
}

// Handler tracks which services are rate limited and when they may be retried
type Handler struct {
	mu               sync.RWMutex
	rateLimited      map[string]*RateLimitEvent
	strategy         *RetryStrategy
	onRateLimit      func(event RateLimitEvent)
	onRetry          func(event RateLimitEvent)
	onRecovered      func(service string)
	autoRetryEnabled bool
	now              func() time.Time
	ctx              context.Context
	cancel           context.CancelFunc
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Handler{
		rateLimited:      make(map[string]*RateLimitEvent),
		strategy:         strategy,
		autoRetryEnabled: true,
		now:              time.Now,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRetry sets the callback for retry attempts
func (h *Handler) SetOnRetry(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetry = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(service string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a service is currently rate limited
func (h *Handler) IsRateLimited(service string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[service]
	return limited
}

// Allow returns ErrRateLimited while the service is inside its backoff
// window. Once the retry time has passed requests go through again and the
// next response decides whether the limit is cleared or extended.
func (h *Handler) Allow(service string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	event, limited := h.rateLimited[service]
	if !limited || !h.now().Before(event.NextRetryAt) {
		return nil
	}
	return fmt.Errorf("%w: %s until %s", ErrRateLimited, service, event.NextRetryAt.Format(time.RFC3339))
}

// CheckResponse analyzes an HTTP response for rate limit indicators
func (h *Handler) CheckResponse(service string, resp *http.Response) bool {
	isRateLimited := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == 509 // Bandwidth Limit Exceeded

	if !isRateLimited {
		h.checkRecovery(service)
		return false
	}

	h.recordRateLimit(service, resp.StatusCode)
	return true
}

func (h *Handler) recordRateLimit(service string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[service]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	// Last interval repeats for all subsequent retries
	interval := h.strategy.Intervals[len(h.strategy.Intervals)-1]
	if retryAttempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[retryAttempt]
	}

	now := h.now()
	event := RateLimitEvent{
		Timestamp:    now,
		Service:      service,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
		Message:      buildMessage(service, statusCode, retryAttempt, interval),
	}
	h.rateLimited[service] = &event

	log.Printf("[RateLimit] %s rate limited (attempt %d). Next retry at %s",
		service, retryAttempt, event.NextRetryAt.Format(time.RFC3339))

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}

	if h.autoRetryEnabled && retryAttempt < h.strategy.MaxRetries {
		go h.scheduleRetry(service, event, interval)
	}
}

// scheduleRetry announces the end of the backoff window
func (h *Handler) scheduleRetry(service string, event RateLimitEvent, wait time.Duration) {
	select {
	case <-time.After(wait):
		h.mu.RLock()
		current, exists := h.rateLimited[service]
		onRetry := h.onRetry
		h.mu.RUnlock()
		if !exists || !current.Timestamp.Equal(event.Timestamp) {
			// cleared or replaced in the meantime
			return
		}

		log.Printf("[RateLimit] Retrying %s after %s wait", service, wait)
		if onRetry != nil {
			go onRetry(event)
		}

	case <-h.ctx.Done():
		return
	}
}

func (h *Handler) checkRecovery(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[service]; exists {
		delete(h.rateLimited, service)
		log.Printf("[RateLimit] %s rate limit cleared", service)

		if h.onRecovered != nil {
			go h.onRecovered(service)
		}
	}
}

// ManualRetry clears the rate limit of a service so the next request goes through
func (h *Handler) ManualRetry(service string) {
	h.mu.Lock()
	event, exists := h.rateLimited[service]
	if !exists {
		h.mu.Unlock()
		return
	}
	log.Printf("[RateLimit] Manual retry requested for %s", service)
	delete(h.rateLimited, service)
	onRetry := h.onRetry
	h.mu.Unlock()

	if onRetry != nil {
		go onRetry(*event)
	}
}

// SetAutoRetry enables or disables automatic retries
func (h *Handler) SetAutoRetry(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoRetryEnabled = enabled
}

// GetCurrentState returns a copy of the current rate limit state of a service
func (h *Handler) GetCurrentState(service string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[service]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(service string, statusCode int, retryAttempt int, wait time.Duration) string {
	minutes := int(wait.Round(time.Minute).Minutes())
	if retryAttempt == 0 {
		return fmt.Sprintf(
			"The image service %s is rate limiting requests (HTTP %d). "+
				"Date lists and sampled values will not update for about %d minute(s).",
			service, statusCode, minutes)
	}
	return fmt.Sprintf(
		"The image service %s is still rate limiting requests (retry attempt %d). "+
			"Next attempt in about %d minute(s).",
		service, retryAttempt+1, minutes)
}

// Close shuts down the rate limit handler
func (h *Handler) Close() {
	h.cancel()
}

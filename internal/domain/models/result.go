package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// APIResponse is the success side of a fetch result.
type APIResponse struct {
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	FromCache bool            `json:"from_cache"`
}

// APIError is the failure side of a fetch result. A fetch never
// produces both an APIResponse and an APIError.
type APIError struct {
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Source, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// NewAPIError creates an APIError stamped with the current time.
func NewAPIError(source, message string, statusCode int) *APIError {
	return &APIError{
		Message:    message,
		StatusCode: statusCode,
		Source:     source,
		Timestamp:  time.Now(),
	}
}

// IsRateLimited reports whether the error looks like provider throttling.
func (e *APIError) IsRateLimited() bool {
	if e.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// IsClientError reports whether the error is a terminal 4xx-class failure.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}

// FallbackError aggregates failures across an entire fallback chain.
// Attempted preserves the order in which sources were tried.
type FallbackError struct {
	Primary   string   `json:"primary"`
	Attempted []string `json:"attempted"`
	LastErr   error    `json:"-"`
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("all sources failed for primary %s (tried %s): %v",
		e.Primary, strings.Join(e.Attempted, ", "), e.LastErr)
}

func (e *FallbackError) Unwrap() error {
	return e.LastErr
}

package models

import (
	"fmt"
	"time"
)

// SourceConfig describes one external data provider. Everything except
// Enabled is fixed after load; Enabled may be flipped at runtime by an
// operator action.
type SourceConfig struct {
	Name          string        `yaml:"name" json:"name"`
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Priority      int           `yaml:"priority" json:"priority"` // lower = tried first
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`

	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig holds per-source admission limits.
type RateLimitConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	MaxPerMinute  int `yaml:"max_per_minute" json:"max_per_minute"`
	MaxPerHour    int `yaml:"max_per_hour" json:"max_per_hour"`
}

// Validate checks required fields and applies defaults for zero values.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("source %s: base_url is required", s.Name)
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = 5 * time.Minute
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 3
	}
	if s.RateLimit.MaxConcurrent <= 0 {
		s.RateLimit.MaxConcurrent = 5
	}
	if s.RateLimit.MaxPerMinute <= 0 {
		s.RateLimit.MaxPerMinute = 30
	}
	if s.RateLimit.MaxPerHour <= 0 {
		s.RateLimit.MaxPerHour = 500
	}
	return nil
}

// SourceUpdate carries runtime-updatable source fields for the admin API.
type SourceUpdate struct {
	Enabled       *bool          `json:"enabled,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	CacheTTL      *time.Duration `json:"cache_ttl,omitempty"`
	RetryAttempts *int           `json:"retry_attempts,omitempty" validate:"omitempty,min=1,max=10"`
}

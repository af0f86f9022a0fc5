package models

// Requests for dashboard and admin HTTP endpoints. Defined in domain for
// consistency and reuse.

type SnapshotRequest struct {
	Refresh bool `query:"refresh" json:"refresh"`
}

type FetchRequest struct {
	Source   string `query:"source" json:"source" validate:"required"`
	Endpoint string `query:"endpoint" json:"endpoint" validate:"required"`
	Priority int    `query:"priority" json:"priority" default:"0" validate:"gte=0,lte=100"`
	UseCache *bool  `query:"use_cache" json:"use_cache"`
}

type SourcePatchRequest struct {
	Enabled       *bool  `json:"enabled"`
	Priority      *int   `json:"priority" validate:"omitempty,gte=0,lte=100"`
	CacheTTL      string `json:"cache_ttl"`
	RetryAttempts *int   `json:"retry_attempts" validate:"omitempty,gte=1,lte=10"`
}

type StatsRequest struct {
	Since string `query:"since" json:"since"`
}

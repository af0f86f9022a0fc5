package models

import (
	"encoding/json"
	"time"
)

// SubsectionResult is the outcome of one subsection fetch. A subsection
// whose entire fallback chain failed is kept in the snapshot with
// Unavailable set, never dropped.
type SubsectionResult struct {
	Name        string          `json:"name"`
	Source      string          `json:"source,omitempty"`
	FetchedAt   time.Time       `json:"fetched_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Unavailable bool            `json:"unavailable,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// SectionData holds every subsection result for one dashboard section.
type SectionData struct {
	Name        string                      `json:"name"`
	Subsections map[string]SubsectionResult `json:"subsections"`
}

// QualityReport scores how much of the expected data a run obtained.
type QualityReport struct {
	Overall    float64            `json:"overall"`
	PerSection map[string]float64 `json:"per_section"`
	Issues     []string           `json:"issues,omitempty"`
}

// ConsolidatedSnapshot is one complete, internally consistent result of
// a consolidation run. Readers only ever see finished snapshots.
type ConsolidatedSnapshot struct {
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
	Sections  map[string]SectionData `json:"sections"`
	Quality   QualityReport          `json:"quality"`
}

// SectionPlan declares how one section is assembled: each subsection
// names an ordered fallback chain of (source, endpoint) candidates.
type SectionPlan struct {
	Name        string                      `yaml:"name" json:"name"`
	Subsections map[string][]FetchCandidate `yaml:"subsections" json:"subsections"`
}

// FetchCandidate is one entry of a fallback chain.
type FetchCandidate struct {
	Source   string `yaml:"source" json:"source"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Dataset is a typed subsection payload. Validation happens once at the
// fetch boundary; downstream consumers can trust the shape.
type Dataset interface {
	// Populated reports whether the payload carries usable data, not
	// just a well-formed empty shell.
	Populated() bool
}

var datasetValidate = validator.New()

// DisplacementStats covers refugee/IDP/returnee counts.
type DisplacementStats struct {
	Refugees  int64  `json:"refugees" validate:"min=0"`
	IDPs      int64  `json:"idps" validate:"min=0"`
	Returnees int64  `json:"returnees" validate:"min=0"`
	AsOf      string `json:"as_of" validate:"required"`
}

func (d *DisplacementStats) Populated() bool {
	return d.Refugees > 0 || d.IDPs > 0 || d.Returnees > 0
}

// CasualtyStats covers reported killed/injured totals.
type CasualtyStats struct {
	Killed  int64  `json:"killed" validate:"min=0"`
	Injured int64  `json:"injured" validate:"min=0"`
	AsOf    string `json:"as_of" validate:"required"`
}

func (d *CasualtyStats) Populated() bool {
	return d.Killed > 0 || d.Injured > 0
}

// FundingStats covers appeal requirements and received contributions.
type FundingStats struct {
	RequiredUSD  float64 `json:"required_usd" validate:"min=0"`
	ReceivedUSD  float64 `json:"received_usd" validate:"min=0"`
	CoveragePct  float64 `json:"coverage_pct" validate:"min=0,max=100"`
	AppealsCount int     `json:"appeals_count" validate:"min=0"`
}

func (d *FundingStats) Populated() bool {
	return d.RequiredUSD > 0 || d.ReceivedUSD > 0
}

// FoodSecurityStats covers IPC phase populations and malnutrition.
type FoodSecurityStats struct {
	Phase3Plus      int64   `json:"phase3_plus" validate:"min=0"`
	Phase5          int64   `json:"phase5" validate:"min=0"`
	MalnutritionPct float64 `json:"malnutrition_pct" validate:"min=0,max=100"`
}

func (d *FoodSecurityStats) Populated() bool {
	return d.Phase3Plus > 0 || d.Phase5 > 0 || d.MalnutritionPct > 0
}

// GenericStats is the fallback shape for subsections without a declared
// schema: any non-empty JSON object counts as populated.
type GenericStats struct {
	Fields map[string]json.RawMessage `json:"-"`
}

func (d *GenericStats) Populated() bool {
	return len(d.Fields) > 0
}

func (d *GenericStats) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.Fields)
}

// datasetSchemas maps subsection names to their typed payloads.
var datasetSchemas = map[string]func() Dataset{
	"refugees":      func() Dataset { return &DisplacementStats{} },
	"idps":          func() Dataset { return &DisplacementStats{} },
	"returnees":     func() Dataset { return &DisplacementStats{} },
	"killed":        func() Dataset { return &CasualtyStats{} },
	"injured":       func() Dataset { return &CasualtyStats{} },
	"appeals":       func() Dataset { return &FundingStats{} },
	"contributions": func() Dataset { return &FundingStats{} },
	"ipc_phases":    func() Dataset { return &FoodSecurityStats{} },
	"malnutrition":  func() Dataset { return &FoodSecurityStats{} },
}

// DecodeDataset parses and validates a raw subsection payload against
// its schema. Unknown subsections decode as GenericStats.
func DecodeDataset(subsection string, raw json.RawMessage) (Dataset, error) {
	mk, ok := datasetSchemas[subsection]
	if !ok {
		g := &GenericStats{}
		if err := json.Unmarshal(raw, g); err != nil {
			return nil, fmt.Errorf("decode %s: %w", subsection, err)
		}
		return g, nil
	}

	d := mk()
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", subsection, err)
	}
	if err := datasetValidate.Struct(d); err != nil {
		return nil, fmt.Errorf("validate %s: %w", subsection, err)
	}
	return d, nil
}

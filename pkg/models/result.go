package models

import "time"

// SubWindowResult holds stage-1 statistics for one sub-window
type SubWindowResult struct {
	WindowStart     time.Time          `json:"window_start"`
	WindowEnd       time.Time          `json:"window_end"`
	PercentileValue float64            `json:"percentile_value"`
	PeakValue       float64            `json:"peak_value"`
	RunQ            map[string]float64 `json:"runq,omitempty"`
	SampleCount     int                `json:"sample_count"`
	Insufficient    bool               `json:"insufficient,omitempty"`
}

// Run-queue metric keys stored in SubWindowResult.RunQ
const (
	RunQAbsP50  = "abs_p50"
	RunQAbsP90  = "abs_p90"
	RunQNormP25 = "norm_p25"
	RunQNormP50 = "norm_p50"
	RunQNormP75 = "norm_p75"
	RunQNormP90 = "norm_p90"
)

// AuditStep records one decision in a profile's computation
type AuditStep struct {
	Stage    string             `json:"stage"`
	Decision string             `json:"decision"`
	Inputs   map[string]float64 `json:"inputs,omitempty"`
	Value    float64            `json:"value"`
}

// ProfileResult is the terminal artifact for one (entity, profile) pair
type ProfileResult struct {
	EntityID             string      `json:"entity_id"`
	Profile              string      `json:"profile"`
	BaseValue            float64     `json:"base_value"`
	GrowthAdjustment     float64     `json:"growth_adjustment"`
	AdjustedBase         float64     `json:"adjusted_base"` // BaseValue + GrowthAdjustment, the pressure stage's input
	DownsizingApplied    bool        `json:"downsizing_applied"`
	PhysCAfterDownsizing float64     `json:"physc_after_downsizing"`
	AdditiveCPU          float64     `json:"additive_cpu"`
	FinalValue           float64     `json:"final_value"`
	PressureFlags        []string    `json:"pressure_flags,omitempty"`
	Unavailable          bool        `json:"unavailable,omitempty"`
	UnavailableReason    string      `json:"unavailable_reason,omitempty"`
	SyntheticConfig      bool        `json:"synthetic_config,omitempty"`
	Fingerprint          string      `json:"fingerprint"`
	ComputedAt           time.Time   `json:"computed_at"`
	Audit                []AuditStep `json:"audit,omitempty"`
}

// StoredResult is a ProfileResult persisted by a run
type StoredResult struct {
	ID     string
	RunID  string
	Result ProfileResult
}

// Diagnostic is a per-record or per-entity event that did not abort the run
type Diagnostic struct {
	EntityID string    `json:"entity_id,omitempty"`
	Profile  string    `json:"profile,omitempty"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/recommender"
)

// AuditDocument is the JSON audit export of one run
type AuditDocument struct {
	RunID       string                 `json:"run_id"`
	Fingerprint string                 `json:"fingerprint"`
	GeneratedAt time.Time              `json:"generated_at"`
	Profiles    []string               `json:"profiles"`
	Summary     AuditSummary           `json:"summary"`
	Results     []models.ProfileResult `json:"results"`
	Diagnostics []models.Diagnostic    `json:"diagnostics"`
}

// AuditSummary carries the report statistics
type AuditSummary struct {
	Entities    int            `json:"entities"`
	Results     int            `json:"results"`
	Unavailable int            `json:"unavailable"`
	Downsized   int            `json:"downsized"`
	Synthetic   int            `json:"synthetic_configs"`
	Flags       map[string]int `json:"flags,omitempty"`
}

// GenerateAudit writes every result with its audit steps and the diagnostics
func GenerateAudit(report *Report, writer io.Writer) error {
	doc := AuditDocument{
		RunID:       report.RunID,
		Fingerprint: report.Fingerprint,
		GeneratedAt: report.GeneratedAt,
		Profiles:    report.Profiles,
		Results:     []models.ProfileResult{},
		Diagnostics: report.Diagnostics,
		Summary: AuditSummary{
			Entities:    report.EntityCount,
			Results:     report.ResultCount,
			Unavailable: report.UnavailableCount,
			Downsized:   report.DownsizedCount,
			Synthetic:   report.SyntheticCount,
		},
	}
	if doc.Diagnostics == nil {
		doc.Diagnostics = []models.Diagnostic{}
	}
	if len(report.FlagStats) > 0 {
		doc.Summary.Flags = make(map[string]int, len(report.FlagStats))
		for _, f := range report.FlagStats {
			doc.Summary.Flags[f.Flag] = f.Count
		}
	}
	for _, e := range report.Entities {
		for _, res := range e.Results {
			if res != nil {
				doc.Results = append(doc.Results, *res)
			}
		}
	}

	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode audit: %w", err)
	}
	return nil
}

// WriteAudit renders a run as the JSON audit document
func WriteAudit(w io.Writer, run *recommender.Run) error {
	report, err := New(FormatJSON).Generate(run)
	if err != nil {
		return err
	}
	return GenerateAudit(report, w)
}

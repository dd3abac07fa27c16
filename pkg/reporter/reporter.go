package reporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/recommender"
)

// ReportFormat represents the output format
type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatJSON ReportFormat = "json"
	FormatHTML ReportFormat = "html"
)

// ParseFormat resolves a format name
func ParseFormat(name string) (ReportFormat, error) {
	switch f := ReportFormat(name); f {
	case FormatCSV, FormatJSON, FormatHTML:
		return f, nil
	}
	return "", &models.ConfigurationError{Field: "format", Reason: fmt.Sprintf("unknown report format %q", name)}
}

// Report contains all data for generating reports
type Report struct {
	RunID       string
	Fingerprint string
	GeneratedAt time.Time
	Profiles    []string
	Entities    []*EntityRow
	Diagnostics []models.Diagnostic

	EntityCount      int
	ResultCount      int
	UnavailableCount int
	DownsizedCount   int
	SyntheticCount   int
	FlagStats        []*FlagStats
}

// EntityRow is one entity's recommendations in profile order
type EntityRow struct {
	EntityID  string
	Synthetic bool
	Results   []*models.ProfileResult // nil where the profile has no result
}

// Cell renders one profile value, "N/A" when unavailable
func (e *EntityRow) Cell(i int) string {
	res := e.Results[i]
	if res == nil || res.Unavailable {
		return "N/A"
	}
	return fmt.Sprintf("%.4f", res.FinalValue)
}

// FlagStats counts how often a pressure flag was raised
type FlagStats struct {
	Flag  string
	Count int
}

// Reporter generates entitlement reports
type Reporter struct {
	format ReportFormat
}

// New creates a new reporter
func New(format ReportFormat) *Reporter {
	return &Reporter{
		format: format,
	}
}

// Generate generates a report from a run
func (r *Reporter) Generate(run *recommender.Run) (*Report, error) {
	if run == nil {
		return nil, fmt.Errorf("no run to report")
	}
	report := &Report{
		RunID:       run.ID,
		Fingerprint: run.Fingerprint,
		GeneratedAt: run.FinishedAt,
		Profiles:    run.Profiles,
		Diagnostics: run.Diagnostics,
	}

	column := make(map[string]int, len(run.Profiles))
	for i, name := range run.Profiles {
		column[name] = i
	}
	rows := map[string]*EntityRow{}
	for i := range run.Results {
		res := &run.Results[i]
		row, ok := rows[res.EntityID]
		if !ok {
			row = &EntityRow{EntityID: res.EntityID, Results: make([]*models.ProfileResult, len(run.Profiles))}
			rows[res.EntityID] = row
			report.Entities = append(report.Entities, row)
		}
		if c, ok := column[res.Profile]; ok {
			row.Results[c] = res
		}
		row.Synthetic = row.Synthetic || res.SyntheticConfig
	}
	sort.Slice(report.Entities, func(i, j int) bool {
		return report.Entities[i].EntityID < report.Entities[j].EntityID
	})

	r.calculateStats(report)
	return report, nil
}

// calculateStats computes all statistics for the report
func (r *Reporter) calculateStats(report *Report) {
	flags := map[string]*FlagStats{}
	for _, row := range report.Entities {
		report.EntityCount++
		if row.Synthetic {
			report.SyntheticCount++
		}
		for _, res := range row.Results {
			if res == nil {
				continue
			}
			report.ResultCount++
			if res.Unavailable {
				report.UnavailableCount++
				continue
			}
			if res.DownsizingApplied {
				report.DownsizedCount++
			}
			for _, f := range res.PressureFlags {
				if _, exists := flags[f]; !exists {
					flags[f] = &FlagStats{Flag: f}
					report.FlagStats = append(report.FlagStats, flags[f])
				}
				flags[f].Count++
			}
		}
	}
	sort.Slice(report.FlagStats, func(i, j int) bool {
		if report.FlagStats[i].Count != report.FlagStats[j].Count {
			return report.FlagStats[i].Count > report.FlagStats[j].Count
		}
		return report.FlagStats[i].Flag < report.FlagStats[j].Flag
	})
}

// Write renders the report in the reporter's format
func (r *Reporter) Write(report *Report, w io.Writer) error {
	switch r.format {
	case FormatCSV:
		return GenerateCSV(report, w)
	case FormatJSON:
		return GenerateAudit(report, w)
	case FormatHTML:
		return GenerateHTML(report, w)
	}
	return fmt.Errorf("unsupported report format %q", r.format)
}

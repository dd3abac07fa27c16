package reporter

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/opscart/nfit/pkg/recommender"
)

// GenerateCSV writes one row per entity and one column per profile
func GenerateCSV(report *Report, writer io.Writer) error {
	w := csv.NewWriter(writer)

	header := append([]string{"Entity"}, report.Profiles...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	row := make([]string, len(header))
	for _, e := range report.Entities {
		row[0] = e.EntityID
		for i := range report.Profiles {
			row[i+1] = e.Cell(i)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

// WriteCSV renders a run as the entitlement table
func WriteCSV(w io.Writer, run *recommender.Run) error {
	report, err := New(FormatCSV).Generate(run)
	if err != nil {
		return err
	}
	return GenerateCSV(report, w)
}

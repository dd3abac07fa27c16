package datasource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/timeseries"
)

// Header aliases accepted for the key columns
var (
	timestampColumns = []string{"timestamp", "time", "datetime"}
	entityColumns    = []string{"entity", "entity_id", "lpar", "hostname", "host"}
)

// CSVSource reads a performance export: a header with timestamp and entity
// columns plus one column per metric
type CSVSource struct {
	path string
}

// NewCSVSource creates a source for the file at path
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

func (s *CSVSource) Name() string {
	return "csv:" + s.path
}

// Rows reads every data row of the file
func (s *CSVSource) Rows(ctx context.Context) ([]timeseries.RawRow, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open performance file: %w", err)
	}
	defer f.Close()
	return ReadPerformance(ctx, f)
}

// ReadPerformance parses a performance CSV. Rows with the wrong number of
// fields are still returned so ingestion reports them as malformed.
func ReadPerformance(ctx context.Context, r io.Reader) ([]timeseries.RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns := normalizeHeader(header)
	tsCol := findColumn(columns, timestampColumns)
	entityCol := findColumn(columns, entityColumns)
	if tsCol < 0 || entityCol < 0 {
		return nil, &models.MalformedSampleError{Line: 1, Field: "header", Raw: strings.Join(header, ","), Reason: "timestamp and entity columns are required"}
	}

	var rows []timeseries.RawRow
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, err
			}
			rows = append(rows, timeseries.RawRow{Line: perr.Line, Err: malformedRow(perr)})
			continue
		}
		if len(rows)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line, _ := cr.FieldPos(0)
		if len(record) != len(columns) {
			rows = append(rows, timeseries.RawRow{Line: line, Err: &models.MalformedSampleError{
				Line:   line,
				Field:  "row",
				Raw:    strings.Join(record, ","),
				Reason: fmt.Sprintf("expected %d fields, got %d", len(columns), len(record)),
			}})
			continue
		}
		row := timeseries.RawRow{
			Line:      line,
			Timestamp: record[tsCol],
			EntityID:  record[entityCol],
			Values:    make(map[string]string, len(columns)-2),
		}
		for i, name := range columns {
			if i != tsCol && i != entityCol {
				row.Values[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
}

// CSVEventSource reads configuration events in long format:
// timestamp, entity, attribute, value
type CSVEventSource struct {
	path string
}

// NewCSVEventSource creates an event source for the file at path
func NewCSVEventSource(path string) *CSVEventSource {
	return &CSVEventSource{path: path}
}

func (s *CSVEventSource) Name() string {
	return "csv:" + s.path
}

// Events reads every event of the file
func (s *CSVEventSource) Events(ctx context.Context) ([]configstate.RawEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration file: %w", err)
	}
	defer f.Close()
	return ReadConfigEvents(ctx, f)
}

// ReadConfigEvents parses a configuration event CSV
func ReadConfigEvents(ctx context.Context, r io.Reader) ([]configstate.RawEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns := normalizeHeader(header)
	tsCol := findColumn(columns, timestampColumns)
	entityCol := findColumn(columns, entityColumns)
	attrCol := findColumn(columns, []string{"attribute", "name", "key"})
	valueCol := findColumn(columns, []string{"value"})
	if tsCol < 0 || entityCol < 0 || attrCol < 0 || valueCol < 0 {
		return nil, &models.MalformedSampleError{Line: 1, Field: "header", Raw: strings.Join(header, ","), Reason: "timestamp, entity, attribute and value columns are required"}
	}

	var events []configstate.RawEvent
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, err
			}
			events = append(events, configstate.RawEvent{Line: perr.Line, Err: malformedRow(perr)})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		events = append(events, configstate.RawEvent{
			Line:      line,
			Timestamp: field(record, tsCol),
			EntityID:  field(record, entityCol),
			Attribute: field(record, attrCol),
			Value:     field(record, valueCol),
		})
	}
}

func malformedRow(perr *csv.ParseError) error {
	return &models.MalformedSampleError{Line: perr.Line, Field: "row", Reason: perr.Err.Error()}
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	return out
}

func findColumn(columns, aliases []string) int {
	for i, c := range columns {
		for _, a := range aliases {
			if c == a {
				return i
			}
		}
	}
	return -1
}

func field(record []string, i int) string {
	if i < len(record) {
		return record[i]
	}
	return ""
}

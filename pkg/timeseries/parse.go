package timeseries

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opscart/nfit/pkg/models"
)

// RawRow is one unvalidated ingestion row: a timestamp, an entity and the
// metric columns present in the source
type RawRow struct {
	Line      int
	Timestamp string
	EntityID  string
	Values    map[string]string

	// Err is set by a reader that already found the row unusable
	Err error
}

// layouts accepted by ParseTimestamp, most common first
var layouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts "YYYY-MM-DD HH:MM:SS" and ISO-8601 with optional
// fractional seconds and zone suffix. Zoneless values are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp format")
}

// ParseValue parses a metric value. Empty means absent.
func ParseValue(raw string) (models.OptionalFloat, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "na") {
		return models.OptionalFloat{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return models.OptionalFloat{}, fmt.Errorf("not numeric")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return models.OptionalFloat{}, fmt.Errorf("not finite")
	}
	if v < 0 {
		return models.OptionalFloat{}, fmt.Errorf("negative value")
	}
	return models.Some(v), nil
}

// parseRow resolves a RawRow into a Record
func parseRow(row RawRow) (models.Record, error) {
	if row.Err != nil {
		return models.Record{}, row.Err
	}
	entity := strings.TrimSpace(row.EntityID)
	if entity == "" {
		return models.Record{}, &models.MalformedSampleError{Line: row.Line, Field: "entity", Raw: row.EntityID, Reason: "empty entity id"}
	}

	ts, err := ParseTimestamp(row.Timestamp)
	if err != nil {
		return models.Record{}, &models.MalformedSampleError{Line: row.Line, Field: "timestamp", Raw: row.Timestamp, Reason: err.Error()}
	}

	rec := models.Record{Timestamp: ts, EntityID: entity}
	for name, raw := range row.Values {
		metric, ok := models.ParseMetric(name)
		if !ok {
			continue
		}
		v, err := ParseValue(raw)
		if err != nil {
			return models.Record{}, &models.MalformedSampleError{Line: row.Line, Field: name, Raw: raw, Reason: err.Error()}
		}
		if v.Valid {
			rec.Set(metric, v.Value)
		}
	}
	return rec, nil
}

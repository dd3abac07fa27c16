// Package timeseries normalizes raw per-minute performance samples into a
// sorted, queryable per-entity store.
package timeseries

import (
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
)

// IngestReport summarises one Ingest call
type IngestReport struct {
	Accepted int
	Skipped  int
	Errors   []error
}

// Store holds merged records per entity, sorted by timestamp
type Store struct {
	mu      sync.Mutex
	records map[string][]models.Record
	sorted  map[string]bool
	logger  *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		records: make(map[string][]models.Record),
		sorted:  make(map[string]bool),
		logger:  logging.OrNop(logger),
	}
}

// Ingest validates raw rows. Malformed rows are skipped and reported, never fatal.
func (s *Store) Ingest(rows []RawRow) IngestReport {
	var report IngestReport
	for _, row := range rows {
		rec, err := parseRow(row)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, err)
			s.logger.Debug("Skipping malformed record", zap.Error(err))
			continue
		}
		s.add(rec)
		report.Accepted++
	}
	if report.Skipped > 0 {
		s.logger.Warn("Skipped malformed records",
			zap.Int("skipped", report.Skipped),
			zap.Int("accepted", report.Accepted))
	}
	return report
}

// AddRecords inserts already-validated records, merging on (timestamp, entity)
func (s *Store) AddRecords(recs []models.Record) {
	for _, r := range recs {
		s.add(r)
	}
}

func (s *Store) add(rec models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EntityID] = append(s.records[rec.EntityID], rec)
	s.sorted[rec.EntityID] = false
}

// normalize sorts an entity's records and collapses duplicate timestamps
func (s *Store) normalize(entity string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[entity]
	if s.sorted[entity] {
		return recs
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
	out := recs[:0]
	for _, r := range recs {
		if n := len(out); n > 0 && out[n-1].SameKey(r) {
			out[n-1] = UnionFields(out[n-1], r)
			continue
		}
		out = append(out, r)
	}
	s.records[entity] = out
	s.sorted[entity] = true
	return out
}

// Entities returns all entity ids in sorted order
func (s *Store) Entities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Span returns the first and last timestamp observed for an entity
func (s *Store) Span(entity string) models.Span {
	recs := s.normalize(entity)
	if len(recs) == 0 {
		return models.Span{}
	}
	return models.Span{First: recs[0].Timestamp, Last: recs[len(recs)-1].Timestamp}
}

// Records returns merged records for an entity within [start, end].
// A zero start or end leaves that side open.
func (s *Store) Records(entity string, start, end time.Time) []models.Record {
	recs := s.normalize(entity)
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(start) })
	}
	hi := len(recs)
	if !end.IsZero() {
		hi = sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(end) })
	}
	if lo >= hi {
		return nil
	}
	return recs[lo:hi]
}

// All returns every record across entities ordered by entity then timestamp
func (s *Store) All() []models.Record {
	var out []models.Record
	for _, id := range s.Entities() {
		out = append(out, s.normalize(id)...)
	}
	return out
}

// Range returns the ordered samples of one metric for an entity within [start, end]
func (s *Store) Range(entity string, metric models.Metric, start, end time.Time) []models.Sample {
	recs := s.Records(entity, start, end)
	out := make([]models.Sample, 0, len(recs))
	for _, r := range recs {
		v := r.Get(metric)
		if !v.Valid {
			continue
		}
		out = append(out, models.Sample{
			Timestamp: r.Timestamp,
			EntityID:  r.EntityID,
			Metric:    metric,
			Value:     v.Value,
		})
	}
	return out
}

// Peak returns the maximum raw value of a metric for an entity
func (s *Store) Peak(entity string, metric models.Metric) float64 {
	peak := 0.0
	for _, r := range s.normalize(entity) {
		if v := r.Get(metric); v.Valid && v.Value > peak {
			peak = v.Value
		}
	}
	return peak
}

// UnionFields merges two records sharing a key. Fields present in a win over
// absent ones; when both carry a value the left one is kept.
func UnionFields(a, b models.Record) models.Record {
	out := a
	for _, m := range models.Metrics {
		if !out.Get(m).Valid {
			if v := b.Get(m); v.Valid {
				out.Set(m, v.Value)
			}
		}
	}
	return out
}

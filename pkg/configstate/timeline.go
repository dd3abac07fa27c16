// Package configstate turns partition attribute-change events into
// contiguous configuration epochs.
package configstate

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/timeseries"
)

// Resolution is the granularity of epoch boundaries: epoch[i].End + Resolution == epoch[i+1].Start
const Resolution = time.Second

// Event is a single attribute observation
type Event struct {
	Timestamp time.Time
	EntityID  string
	Attribute string
	Value     string
}

// RawEvent is an unparsed attribute event from a collaborator source
type RawEvent struct {
	Line      int
	Timestamp string
	EntityID  string
	Attribute string
	Value     string
	Err       error
}

// ParseEvents validates raw events, returning the good ones and one error per skipped row
func ParseEvents(rows []RawEvent) ([]Event, []error) {
	events := make([]Event, 0, len(rows))
	var errs []error
	for _, row := range rows {
		if row.Err != nil {
			errs = append(errs, row.Err)
			continue
		}
		ts, err := timeseries.ParseTimestamp(row.Timestamp)
		if err != nil {
			errs = append(errs, &models.MalformedSampleError{Line: row.Line, Field: "timestamp", Raw: row.Timestamp, Reason: err.Error()})
			continue
		}
		entity := strings.TrimSpace(row.EntityID)
		attr := strings.ToLower(strings.TrimSpace(row.Attribute))
		if entity == "" || attr == "" {
			errs = append(errs, &models.MalformedSampleError{Line: row.Line, Field: "attribute", Raw: row.Attribute, Reason: "empty entity or attribute"})
			continue
		}
		events = append(events, Event{
			Timestamp: ts,
			EntityID:  entity,
			Attribute: attr,
			Value:     strings.TrimSpace(row.Value),
		})
	}
	return events, errs
}

// Timeline maps entity id to its ordered epochs
type Timeline map[string][]models.ConfigurationEpoch

// Build groups events by entity and walks them chronologically, opening a new
// epoch whenever the attribute snapshot changes. spans supplies each entity's
// observed sample range; the last epoch ends at the latest sample.
func Build(events []Event, spans map[string]models.Span) Timeline {
	byEntity := make(map[string][]Event)
	for _, ev := range events {
		ev.Timestamp = ev.Timestamp.Truncate(Resolution)
		byEntity[ev.EntityID] = append(byEntity[ev.EntityID], ev)
	}

	tl := make(Timeline, len(byEntity))
	for entity, evs := range byEntity {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		})
		tl[entity] = buildEntity(entity, evs, spans[entity])
	}
	return tl
}

func buildEntity(entity string, evs []Event, span models.Span) []models.ConfigurationEpoch {
	var epochs []models.ConfigurationEpoch
	current := models.Attributes{}

	for i := 0; i < len(evs); {
		t := evs[i].Timestamp
		next := current.Clone()
		for i < len(evs) && evs[i].Timestamp.Equal(t) {
			next[evs[i].Attribute] = evs[i].Value
			i++
		}

		if len(epochs) == 0 {
			epochs = append(epochs, models.ConfigurationEpoch{EntityID: entity, Start: t, Attributes: next})
			current = next
			continue
		}
		if next.Equal(current) {
			continue
		}
		epochs[len(epochs)-1].End = t.Add(-Resolution)
		epochs = append(epochs, models.ConfigurationEpoch{EntityID: entity, Start: t, Attributes: next})
		current = next
	}

	if len(epochs) == 0 {
		return nil
	}

	// Configuration is static between events, so the first known snapshot
	// also describes samples observed before it.
	if first := span.First.Truncate(Resolution); !span.IsZero() && first.Before(epochs[0].Start) {
		epochs[0].Start = first
	}

	// With observed data the timeline ends at the latest sample; changes
	// after it describe nothing and are dropped.
	end := evs[len(evs)-1].Timestamp
	if !span.IsZero() {
		end = span.Last.Truncate(Resolution)
		for len(epochs) > 1 && epochs[len(epochs)-1].Start.After(end) {
			epochs = epochs[:len(epochs)-1]
		}
	}
	last := &epochs[len(epochs)-1]
	last.End = end
	if last.End.Before(last.Start) {
		last.End = last.Start
	}
	return epochs
}

// EnsureEntity synthesizes a flagged best-effort epoch for an entity that has
// performance data but no configuration. It reports whether synthesis happened.
func (tl Timeline) EnsureEntity(entity string, span models.Span, peakPhysC float64, smt int) bool {
	if len(tl[entity]) > 0 || span.IsZero() {
		return false
	}
	tl[entity] = []models.ConfigurationEpoch{Synthesize(entity, span, peakPhysC, smt)}
	return true
}

// Synthesize builds a default epoch covering span. Entitlement and virtual
// CPUs are derived from the observed peak.
func Synthesize(entity string, span models.Span, peakPhysC float64, smt int) models.ConfigurationEpoch {
	if smt < 1 {
		smt = 1
	}
	entitlement := math.Max(0.05, math.Ceil(peakPhysC*20)/20)
	vcpus := int(math.Max(1, math.Ceil(peakPhysC)))

	return models.ConfigurationEpoch{
		EntityID: entity,
		Start:    span.First.Truncate(Resolution),
		End:      span.Last.Truncate(Resolution),
		Attributes: models.Attributes{
			models.AttrEntitlement: strconv.FormatFloat(entitlement, 'f', 2, 64),
			models.AttrSMT:         strconv.Itoa(smt),
			models.AttrVirtualCPUs: strconv.Itoa(vcpus),
			models.AttrPoolID:      "0",
			models.AttrCapped:      "false",
		},
		Synthetic: true,
	}
}

// EpochAt returns the epoch containing t
func EpochAt(epochs []models.ConfigurationEpoch, t time.Time) (models.ConfigurationEpoch, bool) {
	i := sort.Search(len(epochs), func(i int) bool { return !epochs[i].End.Before(t) })
	if i < len(epochs) && epochs[i].Contains(t) {
		return epochs[i], true
	}
	return models.ConfigurationEpoch{}, false
}

// Latest returns the epoch in force at or before t, falling back to the last epoch
func Latest(epochs []models.ConfigurationEpoch, t time.Time) (models.ConfigurationEpoch, bool) {
	if len(epochs) == 0 {
		return models.ConfigurationEpoch{}, false
	}
	if e, ok := EpochAt(epochs, t); ok {
		return e, true
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		if !epochs[i].Start.After(t) {
			return epochs[i], true
		}
	}
	return epochs[0], true
}

// Clip returns the epochs overlapping [start, end], trimmed to that range
func Clip(epochs []models.ConfigurationEpoch, start, end time.Time) []models.ConfigurationEpoch {
	var out []models.ConfigurationEpoch
	for _, e := range epochs {
		if e.End.Before(start) || e.Start.After(end) {
			continue
		}
		if e.Start.Before(start) {
			e.Start = start
		}
		if e.End.After(end) {
			e.End = end
		}
		out = append(out, e)
	}
	return out
}

// CheckContiguous verifies epochs are ordered, non-overlapping and gap-free
func CheckContiguous(epochs []models.ConfigurationEpoch) error {
	for i, e := range epochs {
		if e.End.Before(e.Start) {
			return fmt.Errorf("epoch %d of %s ends before it starts", i, e.EntityID)
		}
		if i == 0 {
			continue
		}
		if !epochs[i-1].End.Add(Resolution).Equal(e.Start) {
			return fmt.Errorf("epochs %d and %d of %s are not contiguous", i-1, i, e.EntityID)
		}
	}
	return nil
}

// Entities returns the entity ids in sorted order
func (tl Timeline) Entities() []string {
	ids := make([]string, 0, len(tl))
	for id := range tl {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Encode serializes the timeline as indented JSON
func Encode(tl Timeline) ([]byte, error) {
	return json.MarshalIndent(tl, "", "  ")
}

// Decode parses and validates a serialized timeline
func Decode(data []byte) (Timeline, error) {
	var tl Timeline
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, err
	}
	for entity, epochs := range tl {
		if err := CheckContiguous(epochs); err != nil {
			return nil, fmt.Errorf("entity %s: %w", entity, err)
		}
	}
	return tl, nil
}

// Save writes the timeline to path, committing with a rename so a reader never
// sees a partial file
func Save(path string, tl Timeline) error {
	data, err := Encode(tl)
	if err != nil {
		return fmt.Errorf("failed to encode timeline: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create timeline file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write timeline: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync timeline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a timeline written by Save. Unparsable or non-contiguous content
// is reported as a CacheCorruptionError.
func Load(path string) (Timeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tl, err := Decode(data)
	if err != nil {
		return nil, &models.CacheCorruptionError{Path: path, Cause: err}
	}
	return tl, nil
}

package configstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/nfit/pkg/models"
)

var day0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.Add(time.Duration(n) * 24 * time.Hour)
}

func TestBuildSingleChangeSplitsAtChange(t *testing.T) {
	events := []Event{
		{Timestamp: day(10), EntityID: "Y", Attribute: models.AttrEntitlement, Value: "4"},
		{Timestamp: day(0), EntityID: "Y", Attribute: models.AttrEntitlement, Value: "2"},
		{Timestamp: day(0), EntityID: "Y", Attribute: models.AttrSMT, Value: "8"},
	}
	spans := map[string]models.Span{"Y": {First: day(0), Last: day(20)}}

	tl := Build(events, spans)
	epochs := tl["Y"]
	require.Len(t, epochs, 2)

	assert.Equal(t, day(0), epochs[0].Start)
	assert.Equal(t, day(10).Add(-Resolution), epochs[0].End)
	assert.Equal(t, 2.0, epochs[0].Attributes.Entitlement())

	assert.Equal(t, day(10), epochs[1].Start)
	assert.Equal(t, day(20), epochs[1].End)
	assert.Equal(t, 4.0, epochs[1].Attributes.Entitlement())
	assert.Equal(t, 8, epochs[1].Attributes.SMT(), "unchanged attributes carry forward")

	assert.NoError(t, CheckContiguous(epochs))
}

func TestBuildIgnoresRepeatedIdenticalSnapshots(t *testing.T) {
	events := []Event{
		{Timestamp: day(0), EntityID: "A", Attribute: models.AttrEntitlement, Value: "1"},
		{Timestamp: day(1), EntityID: "A", Attribute: models.AttrEntitlement, Value: "1"},
		{Timestamp: day(2), EntityID: "A", Attribute: models.AttrEntitlement, Value: "1"},
	}
	tl := Build(events, map[string]models.Span{"A": {First: day(0), Last: day(5)}})

	require.Len(t, tl["A"], 1)
	assert.Equal(t, day(0), tl["A"][0].Start)
	assert.Equal(t, day(5), tl["A"][0].End)
}

func TestBuildSingleEventSpansObservedData(t *testing.T) {
	events := []Event{{Timestamp: day(3), EntityID: "B", Attribute: models.AttrPoolID, Value: "7"}}
	tl := Build(events, map[string]models.Span{"B": {First: day(1), Last: day(9)}})

	require.Len(t, tl["B"], 1)
	assert.Equal(t, day(1), tl["B"][0].Start)
	assert.Equal(t, day(9), tl["B"][0].End)
}

func TestBuildEndsAtLatestSample(t *testing.T) {
	events := []Event{
		{Timestamp: day(0), EntityID: "C", Attribute: models.AttrEntitlement, Value: "2"},
		{Timestamp: day(5), EntityID: "C", Attribute: models.AttrEntitlement, Value: "3"},
		{Timestamp: day(12), EntityID: "C", Attribute: models.AttrEntitlement, Value: "4"},
	}
	tl := Build(events, map[string]models.Span{"C": {First: day(0), Last: day(9)}})

	epochs := tl["C"]
	require.Len(t, epochs, 2)
	assert.Equal(t, day(9), epochs[1].End)
	assert.Equal(t, 3.0, epochs[1].Attributes.Entitlement())
	assert.NoError(t, CheckContiguous(epochs))

	// Without observed data the last event closes the timeline
	tl = Build(events, nil)
	require.Len(t, tl["C"], 3)
	assert.Equal(t, day(12), tl["C"][2].End)
}

func TestBuildContiguityManyChanges(t *testing.T) {
	var events []Event
	for i := 0; i < 30; i++ {
		events = append(events,
			Event{Timestamp: day(i).Add(time.Duration(i) * time.Minute), EntityID: "M", Attribute: models.AttrVirtualCPUs, Value: string(rune('0' + i%4))},
			Event{Timestamp: day(i).Add(time.Duration(i) * time.Minute), EntityID: "N", Attribute: models.AttrSMT, Value: string(rune('1' + i%3))},
		)
	}
	tl := Build(events, map[string]models.Span{"M": {First: day(0), Last: day(40)}})

	for _, entity := range tl.Entities() {
		assert.NoError(t, CheckContiguous(tl[entity]), entity)
	}
}

func TestEnsureEntitySynthesizesFlaggedEpoch(t *testing.T) {
	tl := Timeline{}
	span := models.Span{First: day(0), Last: day(7)}

	require.True(t, tl.EnsureEntity("ghost", span, 2.31, 4))
	epochs := tl["ghost"]
	require.Len(t, epochs, 1)
	assert.True(t, epochs[0].Synthetic)
	assert.Equal(t, span.First, epochs[0].Start)
	assert.Equal(t, span.Last, epochs[0].End)
	assert.InDelta(t, 2.35, epochs[0].Attributes.Entitlement(), 1e-9)
	assert.Equal(t, 3, epochs[0].Attributes.VirtualCPUs())
	assert.Equal(t, 4, epochs[0].Attributes.SMT())

	assert.False(t, tl.EnsureEntity("ghost", span, 9, 8), "existing config is kept")
}

func TestEpochAtAndClip(t *testing.T) {
	events := []Event{
		{Timestamp: day(0), EntityID: "C", Attribute: models.AttrEntitlement, Value: "1"},
		{Timestamp: day(5), EntityID: "C", Attribute: models.AttrEntitlement, Value: "2"},
	}
	epochs := Build(events, map[string]models.Span{"C": {First: day(0), Last: day(10)}})["C"]

	e, ok := EpochAt(epochs, day(4))
	require.True(t, ok)
	assert.Equal(t, 1.0, e.Attributes.Entitlement())

	e, ok = EpochAt(epochs, day(5))
	require.True(t, ok)
	assert.Equal(t, 2.0, e.Attributes.Entitlement())

	_, ok = EpochAt(epochs, day(11))
	assert.False(t, ok)

	latest, ok := Latest(epochs, day(30))
	require.True(t, ok)
	assert.Equal(t, 2.0, latest.Attributes.Entitlement())

	clipped := Clip(epochs, day(3), day(7))
	require.Len(t, clipped, 2)
	assert.Equal(t, day(3), clipped[0].Start)
	assert.Equal(t, day(7), clipped[1].End)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		{Timestamp: day(0), EntityID: "D", Attribute: models.AttrEntitlement, Value: "1"},
		{Timestamp: day(2), EntityID: "D", Attribute: models.AttrEntitlement, Value: "3"},
	}
	tl := Build(events, nil)

	data, err := Encode(tl)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, got["D"], 2)
	assert.True(t, got["D"][1].Start.Equal(day(2)))

	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestParseEventsSkipsBadRows(t *testing.T) {
	events, errs := ParseEvents([]RawEvent{
		{Line: 1, Timestamp: "2025-01-01 00:00:00", EntityID: "E", Attribute: "Entitlement", Value: "1.5"},
		{Line: 2, Timestamp: "garbage", EntityID: "E", Attribute: "smt", Value: "8"},
		{Line: 3, Timestamp: "2025-01-01T00:00:00Z", EntityID: "", Attribute: "smt", Value: "8"},
	})
	require.Len(t, events, 1)
	assert.Equal(t, models.AttrEntitlement, events[0].Attribute)
	assert.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, models.ErrMalformedInput)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	tl := Build([]Event{
		{Timestamp: day(0), EntityID: "F", Attribute: models.AttrSMT, Value: "4"},
	}, map[string]models.Span{"F": {First: day(0), Last: day(5)}})

	require.NoError(t, Save(path, tl))
	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got["F"], 1)
	assert.Equal(t, 4, got["F"][0].Attributes.SMT())

	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, models.ErrCacheCorruption)
}

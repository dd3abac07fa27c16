package recommender

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/nfit/pkg/analyzer"
	"github.com/opscart/nfit/pkg/cache"
	"github.com/opscart/nfit/pkg/config"
	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/pressure"
	"github.com/opscart/nfit/pkg/profile"
	"github.com/opscart/nfit/pkg/timeseries"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type series func(i int, at time.Time) (physc, runq float64)

func growing(i int, at time.Time) (float64, float64) {
	day := at.Sub(start).Hours() / 24
	physc := 1.0 + 0.02*day + 0.2*float64(i%12)/12
	return physc, physc * 4 * 0.4
}

func flat(int, time.Time) (float64, float64) {
	return 0.5, 1
}

// hot keeps a deep run queue behind little CPU
func hot(int, time.Time) (float64, float64) {
	return 0.5, 20
}

func buildStore(t *testing.T, days int, entities map[string]series) *timeseries.Store {
	t.Helper()
	store := timeseries.NewStore(nil)
	step := 30 * time.Minute
	n := days * 24 * 2
	for id, fn := range entities {
		recs := make([]models.Record, 0, n)
		for i := 0; i < n; i++ {
			at := start.Add(time.Duration(i) * step)
			physc, runq := fn(i, at)
			recs = append(recs, models.Record{Timestamp: at, EntityID: id, PhysC: models.Some(physc), RunQ: models.Some(runq)})
		}
		store.AddRecords(recs)
	}
	return store
}

func timelineFor(store *timeseries.Store, entity string) configstate.Timeline {
	events := []configstate.Event{
		{Timestamp: start, EntityID: entity, Attribute: models.AttrEntitlement, Value: "2"},
		{Timestamp: start, EntityID: entity, Attribute: models.AttrSMT, Value: "4"},
		{Timestamp: start, EntityID: entity, Attribute: models.AttrVirtualCPUs, Value: "4"},
		{Timestamp: start, EntityID: entity, Attribute: models.AttrPoolID, Value: "0"},
	}
	return configstate.Build(events, map[string]models.Span{entity: store.Span(entity)})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewConfig()
	require.NoError(t, err)
	cfg.Workers = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunProducesEveryProfile(t *testing.T) {
	store := buildStore(t, 28, map[string]series{"lpar1": growing, "lpar2": flat})
	rec := New(testConfig(t), profile.Defaults(), nil, nil)

	run, err := rec.Run(context.Background(), Input{Store: store, Timeline: timelineFor(store, "lpar1")})
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Len(t, run.Fingerprint, 32)
	assert.Equal(t, []string{"lpar1", "lpar2"}, run.Entities())
	require.Len(t, run.Results, 10)

	for _, res := range run.Results {
		assert.False(t, res.Unavailable, "%s/%s: %s", res.EntityID, res.Profile, res.UnavailableReason)
		require.NotEmpty(t, res.Audit)
		assert.Equal(t, string(pressure.StateFinal), res.Audit[len(res.Audit)-1].Stage)
		assert.Equal(t, res.FinalValue, res.Audit[len(res.Audit)-1].Value)

		initial := res.AdjustedBase
		assert.InDelta(t, res.BaseValue+res.GrowthAdjustment, initial, 1e-12)
		assert.LessOrEqual(t, res.PhysCAfterDownsizing, initial)
		assert.LessOrEqual(t, res.AdditiveCPU, math.Min(0.5, 2*initial)+1e-12)
	}

	grown, ok := run.Lookup("lpar1", "O4-90W15")
	require.True(t, ok)
	assert.Greater(t, grown.GrowthAdjustment, 0.0)
	assert.False(t, grown.SyntheticConfig)

	synth, ok := run.Lookup("lpar2", "P-99W1")
	require.True(t, ok)
	assert.True(t, synth.SyntheticConfig)
	assert.Equal(t, "configuration", synth.Audit[0].Stage)

	var kinds []string
	for _, d := range run.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, DiagSyntheticConfig)
}

func TestRunIsolatesInsufficientEntities(t *testing.T) {
	store := buildStore(t, 14, map[string]series{"lpar1": growing})
	store.AddRecords([]models.Record{{Timestamp: start, EntityID: "lpar3", PhysC: models.Some(1)}})

	rec := New(testConfig(t), profile.Defaults(), nil, nil)
	run, err := rec.Run(context.Background(), Input{Store: store, Timeline: timelineFor(store, "lpar1")})
	require.NoError(t, err)
	require.Len(t, run.Results, 10)

	for _, res := range run.Results {
		if res.EntityID == "lpar3" {
			assert.True(t, res.Unavailable)
			assert.Contains(t, res.UnavailableReason, "insufficient")
		} else {
			assert.False(t, res.Unavailable)
		}
	}

	insufficient := 0
	for _, d := range run.Diagnostics {
		if d.Kind == DiagInsufficientData {
			assert.Equal(t, "lpar3", d.EntityID)
			insufficient++
		}
	}
	assert.Equal(t, 5, insufficient)
}

func TestRunReusesCachedResults(t *testing.T) {
	store := buildStore(t, 14, map[string]series{"lpar1": growing})
	tl := timelineFor(store, "lpar1")
	rc := cache.NewResultCache(t.TempDir(), 0, nil)
	rec := New(testConfig(t), profile.Defaults(), rc, nil)

	first, err := rec.Run(context.Background(), Input{Store: store, Timeline: tl})
	require.NoError(t, err)
	assert.Equal(t, 5, first.CacheMisses)

	second, err := rec.Run(context.Background(), Input{Store: store, Timeline: tl})
	require.NoError(t, err)
	assert.Equal(t, 5, second.CacheHits)
	assert.Equal(t, 0, second.CacheMisses)
	assert.Equal(t, first.Results, second.Results)

	// New data changes the fingerprint and misses the cache
	store.AddRecords([]models.Record{{Timestamp: start.Add(14 * 24 * time.Hour), EntityID: "lpar1", PhysC: models.Some(2), RunQ: models.Some(3)}})
	third, err := rec.Run(context.Background(), Input{Store: store, Timeline: tl})
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 5, third.CacheMisses)
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := buildStore(t, 7, map[string]series{"lpar1": flat, "lpar2": flat})
	rec := New(testConfig(t), profile.Defaults(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := rec.Run(ctx, Input{Store: store})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Empty(t, run.Results)
}

func TestRunReportsSkippedRecords(t *testing.T) {
	store := timeseries.NewStore(nil)
	report := store.Ingest([]timeseries.RawRow{
		{Line: 1, Timestamp: "2025-01-01 00:00:00", EntityID: "lpar1", Values: map[string]string{"physc": "1.0", "runq": "2"}},
		{Line: 2, Timestamp: "2025-01-01 00:01:00", EntityID: "lpar1", Values: map[string]string{"physc": "1.2"}},
		{Line: 3, Timestamp: "yesterday", EntityID: "lpar1", Values: map[string]string{"physc": "1.0"}},
	})
	require.Equal(t, 1, report.Skipped)

	rec := New(testConfig(t), profile.Defaults(), nil, nil)
	run, err := rec.Run(context.Background(), Input{Store: store, Skipped: report.Errors})
	require.NoError(t, err)

	require.NotEmpty(t, run.Diagnostics)
	assert.Equal(t, DiagMalformedRecord, run.Diagnostics[0].Kind)
	assert.Contains(t, run.Diagnostics[0].Message, "line 3")
}

func TestRunRejectsInvalidProfiles(t *testing.T) {
	store := buildStore(t, 7, map[string]series{"lpar1": flat})
	rec := New(testConfig(t), profile.Set{}, nil, nil)

	_, err := rec.Run(context.Background(), Input{Store: store})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestMetricsWrite(t *testing.T) {
	store := buildStore(t, 7, map[string]series{"lpar1": flat, "lpar2": flat})
	rec := New(testConfig(t), profile.Defaults(), nil, nil)
	_, err := rec.Run(context.Background(), Input{Store: store})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rec.Metrics().Write(&buf))
	out := buf.String()

	assert.Contains(t, out, "nfit_entities_analyzed_total 2")
	assert.Contains(t, out, "nfit_synthetic_configs_total 2")
	assert.True(t, strings.Contains(out, `nfit_result_cache_lookups_total{outcome="miss"} 10`), out)
}

func guardDecisions(res models.ProfileResult) []string {
	var out []string
	for _, step := range res.Audit {
		if step.Stage == string(pressure.StateDownsizeEvaluated) {
			out = append(out, step.Decision)
		}
	}
	return out
}

func TestDistressFollowsPrimaryProfile(t *testing.T) {
	store := buildStore(t, 14, map[string]series{"lpar1": hot})
	tl := timelineFor(store, "lpar1")
	const distressed = "skipped: primary profile shows run-queue distress"

	run, err := New(testConfig(t), profile.Defaults(), nil, nil).Run(context.Background(), Input{Store: store, Timeline: tl})
	require.NoError(t, err)
	res, ok := run.Lookup("lpar1", "O4-90W15")
	require.True(t, ok)
	assert.Contains(t, guardDecisions(res), distressed)
	assert.Contains(t, res.PressureFlags, pressure.FlagDownsizeGuarded)

	// Without a primary profile nothing gates downsizing on distress
	noPrimary := profile.Set{profile.New("O4-90W15", analyzer.DecayLow)}
	run, err = New(testConfig(t), noPrimary, nil, nil).Run(context.Background(), Input{Store: store, Timeline: tl})
	require.NoError(t, err)
	res, ok = run.Lookup("lpar1", "O4-90W15")
	require.True(t, ok)
	assert.NotContains(t, guardDecisions(res), distressed)
}

func TestCacheParamsStableAcrossProfileLoads(t *testing.T) {
	const src = "profiles:\n  - {name: P-99W1, primary: true, additive_only: true}\n  - {name: O4-90W15, growth: false}\n"
	load := func() profile.Set {
		set, err := profile.Load(strings.NewReader(src))
		require.NoError(t, err)
		return set
	}
	first, second := load(), load()
	ec := &entityContext{id: "lpar1", start: start, end: start.Add(14 * 24 * time.Hour)}

	a := New(testConfig(t), first, nil, nil)
	b := New(testConfig(t), second, nil, nil)
	for i := range first {
		assert.Equal(t, a.cacheParams(first[i], ec), b.cacheParams(second[i], ec), first[i].Name)
	}
	assert.NotEqual(t, a.cacheParams(first[0], ec), a.cacheParams(first[1], ec))
}

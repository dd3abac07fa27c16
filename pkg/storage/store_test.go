package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/nfit/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResults(at time.Time) []models.ProfileResult {
	return []models.ProfileResult{
		{
			EntityID: "lpar1", Profile: "P-99W1",
			BaseValue: 1.25, GrowthAdjustment: 0.1, AdjustedBase: 1.35, PhysCAfterDownsizing: 1.35, AdditiveCPU: 0.2, FinalValue: 1.55,
			PressureFlags: []string{"runq_pressure", "additive_capped"},
			Fingerprint:   "fp", ComputedAt: at,
			Audit: []models.AuditStep{
				{Stage: "recency", Decision: "weighted P99 over 4 sub-windows", Inputs: map[string]float64{"half_life_days": 30}, Value: 1.25},
				{Stage: "final", Decision: "sum", Value: 1.55},
			},
		},
		{
			EntityID: "lpar1", Profile: "O4-90W15",
			Unavailable: true, UnavailableReason: "insufficient data", SyntheticConfig: true,
			Fingerprint: "fp", ComputedAt: at,
		},
		{EntityID: "lpar2", Profile: "P-99W1", FinalValue: 0.5, Fingerprint: "fp", ComputedAt: at},
	}
}

func TestSaveAndListResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Ping(ctx))

	at := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	run := RunRecord{ID: "run-1", Fingerprint: "fp", StartedAt: at, FinishedAt: at.Add(time.Second), Entities: 2}
	stored, err := store.SaveResults(ctx, run, sampleResults(at))
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, sr := range stored {
		assert.NotEmpty(t, sr.ID)
		assert.Equal(t, "run-1", sr.RunID)
	}

	listed, err := store.ListResults(ctx, "lpar1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// Same run, so ordered by profile name
	assert.Equal(t, "O4-90W15", listed[0].Result.Profile)
	assert.True(t, listed[0].Result.Unavailable)
	assert.Equal(t, "insufficient data", listed[0].Result.UnavailableReason)
	assert.True(t, listed[0].Result.SyntheticConfig)
	assert.Nil(t, listed[0].Result.PressureFlags)

	peak := listed[1].Result
	assert.Equal(t, "P-99W1", peak.Profile)
	assert.InDelta(t, 1.55, peak.FinalValue, 1e-12)
	assert.InDelta(t, 0.1, peak.GrowthAdjustment, 1e-12)
	assert.InDelta(t, 1.35, peak.AdjustedBase, 1e-12)
	assert.Equal(t, []string{"runq_pressure", "additive_capped"}, peak.PressureFlags)
	assert.True(t, at.Equal(peak.ComputedAt), "computed_at %v", peak.ComputedAt)

	other, err := store.ListResults(ctx, "lpar2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)

	none, err := store.ListResults(ctx, "lpar9", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	stored, err := store.SaveResults(ctx, RunRecord{StartedAt: at, FinishedAt: at}, sampleResults(at))
	require.NoError(t, err)
	assert.NotEmpty(t, stored[0].RunID)

	steps, err := store.GetAudit(ctx, stored[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "recency", steps[0].Stage)
	assert.Equal(t, map[string]float64{"half_life_days": 30}, steps[0].Inputs)
	assert.Equal(t, "final", steps[1].Stage)
	assert.Nil(t, steps[1].Inputs)

	empty, err := store.GetAudit(ctx, stored[2].ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = store.GetAudit(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListResultsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)

	first := []models.ProfileResult{{EntityID: "lpar1", Profile: "P-99W1", FinalValue: 1, ComputedAt: at}}
	_, err := store.SaveResults(ctx, RunRecord{ID: "old", StartedAt: at, FinishedAt: at}, first)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	second := []models.ProfileResult{{EntityID: "lpar1", Profile: "P-99W1", FinalValue: 2, ComputedAt: at}}
	_, err = store.SaveResults(ctx, RunRecord{ID: "new", StartedAt: at, FinishedAt: at}, second)
	require.NoError(t, err)

	listed, err := store.ListResults(ctx, "lpar1", 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "new", listed[0].RunID)
}

func TestDuplicateRunRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	run := RunRecord{ID: "run-1", StartedAt: at, FinishedAt: at}

	_, err := store.SaveResults(ctx, run, sampleResults(at)[:1])
	require.NoError(t, err)
	_, err = store.SaveResults(ctx, run, sampleResults(at)[2:])
	require.Error(t, err)

	listed, err := store.ListResults(ctx, "lpar2", 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nfit.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())

	_, err = Open(ctx, Config{Driver: "oracle"}, nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestRebind(t *testing.T) {
	pg := newSQLStore(nil, postgresDialect, nil)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := newSQLStore(nil, sqliteDialect, nil)
	assert.Equal(t, "x = ? AND y = ?", lite.rebind("x = ? AND y = ?"))
}

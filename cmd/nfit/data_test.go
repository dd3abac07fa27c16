package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/cache"
	"github.com/opscart/nfit/pkg/config"
)

// withInputs points the command globals at fresh CSV files in a temp dir
func withInputs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	perf := filepath.Join(dir, "perf.csv")
	require.NoError(t, os.WriteFile(perf, []byte("timestamp,lpar,physc,runq\n"+
		"2025-01-01 00:00:00,lpar1,1.0,2\n"+
		"2025-01-01 00:00:00,lpar2,0.5,1\n"+
		"2025-01-01 00:01:00,lpar1,1.5,3\n"+
		"2025-01-01 00:02:00,lpar1,bad,3\n"+
		"2025-01-01 00:03:00,lpar2,0.75,1\n"), 0o644))

	events := filepath.Join(dir, "events.csv")
	require.NoError(t, os.WriteFile(events, []byte("timestamp,entity,attribute,value\n"+
		"2025-01-01 00:00:00,lpar1,entitlement,2\n"+
		"2025-01-01 00:00:00,lpar1,smt,4\n"+
		"someday,lpar1,smt,8\n"), 0o644))

	c, err := config.NewConfig()
	require.NoError(t, err)
	c.CacheDir = filepath.Join(dir, "cache")

	prev := struct {
		perf   []string
		events []string
		prom   bool
		cache  bool
		cfg    *config.Config
		logger *zap.Logger
	}{perfFiles, eventsFiles, usePrometheus, useCache, cfg, logger}
	t.Cleanup(func() {
		perfFiles, eventsFiles, usePrometheus, useCache = prev.perf, prev.events, prev.prom, prev.cache
		cfg, logger = prev.cfg, prev.logger
	})

	perfFiles = []string{perf}
	eventsFiles = []string{events}
	usePrometheus = false
	useCache = false
	cfg = c
	logger = zap.NewNop()
	return dir
}

func TestReadSources(t *testing.T) {
	withInputs(t)

	src, err := readSources(context.Background())
	require.NoError(t, err)
	assert.Len(t, src.records, 4)
	for i := 1; i < len(src.records); i++ {
		assert.False(t, src.records[i].Timestamp.Before(src.records[i-1].Timestamp))
	}

	// one bad PhysC value and one bad event timestamp
	assert.Len(t, src.skipped, 2)

	require.Contains(t, src.timeline, "lpar1")
	assert.NotContains(t, src.timeline, "lpar2")
	epochs := src.timeline["lpar1"]
	require.NotEmpty(t, epochs)
	assert.Equal(t, 4, epochs[0].Attributes.SMT())
}

func TestReadSourcesCombinesEventFiles(t *testing.T) {
	dir := withInputs(t)
	hmc := filepath.Join(dir, "hmc.csv")
	require.NoError(t, os.WriteFile(hmc, []byte("timestamp,entity,attribute,value\n"+
		"2025-01-01 00:00:00,lpar2,entitlement,1\n"+
		"2025-01-01 00:00:00,lpar2,smt,8\n"), 0o644))
	eventsFiles = append(eventsFiles, hmc)

	src, err := readSources(context.Background())
	require.NoError(t, err)
	require.Contains(t, src.timeline, "lpar1")
	require.Contains(t, src.timeline, "lpar2")
	assert.Equal(t, 8, src.timeline["lpar2"][0].Attributes.SMT())
	assert.Len(t, src.skipped, 2)
}

func TestLoadInputBuildsAndReusesCache(t *testing.T) {
	withInputs(t)
	useCache = true
	dc := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger)

	fresh, err := loadInput(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, []string{"lpar1", "lpar2"}, fresh.Store.Entities())
	assert.Len(t, fresh.Skipped, 2)

	_, err = dc.Manifest()
	require.NoError(t, err)

	perfFiles = nil
	cached, err := loadInput(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, fresh.Store.All(), cached.Store.All())
	require.Contains(t, cached.Timeline, "lpar1")
	assert.Equal(t, 4, cached.Timeline["lpar1"][0].Attributes.SMT())
	assert.Empty(t, cached.Skipped)
}

func TestLoadInputWithoutSources(t *testing.T) {
	withInputs(t)
	dc := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger)

	perfFiles = nil
	_, err := loadInput(context.Background(), dc)
	assert.ErrorContains(t, err, "no input")

	useCache = true
	_, err = loadInput(context.Background(), dc)
	assert.ErrorContains(t, err, "nfit cache build")
}

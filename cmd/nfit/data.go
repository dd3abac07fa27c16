package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/cache"
	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/datasource"
	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/recommender"
	"github.com/opscart/nfit/pkg/timeseries"
)

// sourceData is the merged result of every configured input
type sourceData struct {
	records  []models.Record
	timeline configstate.Timeline
	skipped  []error
}

// loadInput reads the committed data cache when --use-cache is given without
// fresh inputs; otherwise it reads the sources and, with --use-cache,
// rebuilds the cache from them
func loadInput(ctx context.Context, dc *cache.DataCache) (recommender.Input, error) {
	if useCache && len(perfFiles) == 0 && !usePrometheus {
		records, tl, m, err := dc.Load(ctx)
		switch {
		case err == nil:
			logger.Info("Using data cache", zap.String("fingerprint", m.Fingerprint), zap.Int("records", len(records)))
			store := timeseries.NewStore(logger)
			store.AddRecords(records)
			return recommender.Input{Store: store, Timeline: tl}, nil
		case errors.Is(err, cache.ErrMiss), errors.Is(err, models.ErrCacheCorruption):
			return recommender.Input{}, fmt.Errorf("no usable data cache in %s (%v); run 'nfit cache build' or pass --perf", dc.Dir(), err)
		default:
			return recommender.Input{}, err
		}
	}

	if len(perfFiles) == 0 && !usePrometheus {
		return recommender.Input{}, errors.New("no input: pass --perf, --use-prometheus or --use-cache")
	}
	src, err := readSources(ctx)
	if err != nil {
		return recommender.Input{}, err
	}
	if useCache {
		if _, err := dc.Build(ctx, src.records, src.timeline); err != nil {
			return recommender.Input{}, err
		}
	}

	store := timeseries.NewStore(logger)
	store.AddRecords(src.records)
	return recommender.Input{Store: store, Timeline: src.timeline, Skipped: src.skipped}, nil
}

// readSources ingests every source separately, merges them on
// (timestamp, entity) and builds the configuration timeline
func readSources(ctx context.Context) (*sourceData, error) {
	var sources []datasource.DataSource
	for _, path := range perfFiles {
		sources = append(sources, datasource.NewCSVSource(path))
	}
	if usePrometheus {
		end := time.Now().UTC().Truncate(time.Minute)
		prom, err := datasource.NewPrometheusSource(datasource.Config{
			PrometheusURL: cfg.PrometheusURL,
			Timeout:       5 * time.Minute,
			Start:         end.AddDate(0, 0, -promDays),
			End:           end,
		}, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, prom)
	}

	out := &sourceData{}
	perSource := make([][]models.Record, 0, len(sources))
	for _, src := range sources {
		rows, err := src.Rows(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.Name(), err)
		}
		st := timeseries.NewStore(logger)
		report := st.Ingest(rows)
		for _, e := range report.Errors {
			out.skipped = append(out.skipped, fmt.Errorf("%s: %w", src.Name(), e))
		}
		logger.Info("Read source",
			zap.String("source", src.Name()),
			zap.Int("accepted", report.Accepted),
			zap.Int("skipped", report.Skipped))
		perSource = append(perSource, st.All())
	}

	merged, err := timeseries.MergeSources(ctx, timeseries.SortOptions{MaxInMemory: cfg.SortMemoryRecords}, logger, perSource...)
	if err != nil {
		return nil, fmt.Errorf("failed to merge sources: %w", err)
	}
	out.records = merged

	spans := map[string]models.Span{}
	for _, r := range merged {
		span, ok := spans[r.EntityID]
		if !ok {
			span.First = r.Timestamp
		}
		span.Last = r.Timestamp
		spans[r.EntityID] = span
	}

	var events []configstate.Event
	for _, path := range eventsFiles {
		src := datasource.NewCSVEventSource(path)
		raw, err := src.Events(ctx)
		if err != nil {
			return nil, err
		}
		parsed, errs := configstate.ParseEvents(raw)
		events = append(events, parsed...)
		for _, e := range errs {
			out.skipped = append(out.skipped, fmt.Errorf("%s: %w", src.Name(), e))
		}
	}
	out.timeline = configstate.Build(events, spans)
	return out, nil
}

// Package recommender runs the entitlement pipeline for every entity:
// sub-window statistics, recency aggregation, growth projection and the
// pressure state machine, memoized through the result cache.
package recommender

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/nfit/pkg/analyzer"
	"github.com/opscart/nfit/pkg/cache"
	"github.com/opscart/nfit/pkg/config"
	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/pressure"
	"github.com/opscart/nfit/pkg/profile"
	"github.com/opscart/nfit/pkg/timeseries"
)

// Diagnostic kinds
const (
	DiagMalformedRecord  = "malformed_record"
	DiagSyntheticConfig  = "synthetic_config"
	DiagInsufficientData = "insufficient_data"
	DiagComputeFailed    = "compute_failed"
)

// Input is one run's data
type Input struct {
	Store    *timeseries.Store
	Timeline configstate.Timeline

	// Fingerprint identifies Store+Timeline; computed when empty
	Fingerprint string

	// End is the analysis end; zero uses each entity's last sample
	End time.Time

	// Entities restricts the run; empty means every entity in Store
	Entities []string

	// Skipped carries ingestion errors so they appear in the run's diagnostics
	Skipped []error
}

// Run is the outcome of one pipeline execution
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Fingerprint string
	Profiles    []string
	Results     []models.ProfileResult
	Diagnostics []models.Diagnostic
	CacheHits   int
	CacheMisses int
}

// Entities returns the analysed entities in order
func (r *Run) Entities() []string {
	var out []string
	for _, res := range r.Results {
		if n := len(out); n == 0 || out[n-1] != res.EntityID {
			out = append(out, res.EntityID)
		}
	}
	return out
}

// Lookup finds the result for one (entity, profile)
func (r *Run) Lookup(entity, profileName string) (models.ProfileResult, bool) {
	for _, res := range r.Results {
		if res.EntityID == entity && res.Profile == profileName {
			return res, true
		}
	}
	return models.ProfileResult{}, false
}

// Recommender runs the pipeline
type Recommender struct {
	cfg      *config.Config
	profiles profile.Set
	cache    *cache.ResultCache
	engine   *pressure.Engine
	metrics  *Metrics
	logger   *zap.Logger
}

// New creates a recommender. A nil cache disables memoization.
func New(cfg *config.Config, profiles profile.Set, rc *cache.ResultCache, logger *zap.Logger) *Recommender {
	if rc == nil {
		rc = cache.NewResultCache("", cfg.ResultTTL, logger)
	}
	return &Recommender{
		cfg:      cfg,
		profiles: profiles,
		cache:    rc,
		engine:   pressure.NewEngine(cfg.Pressure),
		metrics:  NewMetrics(),
		logger:   logging.OrNop(logger),
	}
}

// Metrics returns the run counters
func (r *Recommender) Metrics() *Metrics {
	return r.metrics
}

// WriteMetrics renders the run counters in the Prometheus text format
func (r *Recommender) WriteMetrics(w io.Writer) error {
	return r.metrics.Write(w)
}

// entityContext is everything one entity's profiles share
type entityContext struct {
	id        string
	start     time.Time
	end       time.Time
	windows   []analyzer.Window
	perWindow [][]models.Record
	epochs    []models.ConfigurationEpoch
	current   models.Attributes
	synthetic bool

	// distress is the primary profile's run-queue distress, computed on first use
	distress func() bool
}

// Run analyses every entity on a bounded worker pool. Entities are
// independent: a failure in one is recorded as a diagnostic and never stops
// the others. Cancellation stops the run between entities and returns the
// results completed so far together with the context error.
func (r *Recommender) Run(ctx context.Context, in Input) (*Run, error) {
	if in.Store == nil {
		return nil, &models.ConfigurationError{Field: "store", Reason: "no performance data"}
	}
	if err := r.profiles.Validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Fingerprint: in.Fingerprint,
		Profiles:    r.profiles.Names(),
	}
	for _, err := range in.Skipped {
		run.Diagnostics = append(run.Diagnostics, models.Diagnostic{Kind: DiagMalformedRecord, Message: err.Error(), At: run.StartedAt})
	}
	r.metrics.skipped.Add(float64(len(in.Skipped)))

	tl := configstate.Timeline{}
	maps.Copy(tl, in.Timeline)

	if run.Fingerprint == "" {
		fp, err := cache.Fingerprint(in.Store.All(), tl)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint data: %w", err)
		}
		run.Fingerprint = fp
	}

	entities := in.Entities
	if len(entities) == 0 {
		entities = in.Store.Entities()
	}

	// Synthesis mutates the timeline, so it happens before any worker starts
	synthetic := map[string]bool{}
	for _, id := range entities {
		span := in.Store.Span(id)
		if tl.EnsureEntity(id, span, in.Store.Peak(id, models.MetricPhysC), r.cfg.DefaultSMT) {
			synthetic[id] = true
			r.metrics.synthetic.Inc()
			msg := fmt.Sprintf("%v: synthesized default epoch %s..%s", models.ErrConfigurationGap, span.First.Format(time.RFC3339), span.Last.Format(time.RFC3339))
			run.Diagnostics = append(run.Diagnostics, models.Diagnostic{EntityID: id, Kind: DiagSyntheticConfig, Message: msg, At: run.StartedAt})
			r.logger.Warn("No configuration for entity, using synthetic epoch", zap.String("entity", id))
		}
	}

	var (
		mu       sync.Mutex
		byEntity = make(map[string][]models.ProfileResult, len(entities))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, id := range entities {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			started := time.Now()
			ec := r.entityContext(in, tl, id, synthetic[id])
			results, diags, hits, misses, err := r.analyzeEntity(gctx, ec, run.Fingerprint)
			if err != nil {
				return err
			}
			r.metrics.entities.Inc()
			r.metrics.entityDuration.Observe(time.Since(started).Seconds())

			mu.Lock()
			byEntity[id] = results
			run.Diagnostics = append(run.Diagnostics, diags...)
			run.CacheHits += hits
			run.CacheMisses += misses
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	ids := slices.Sorted(maps.Keys(byEntity))
	for _, id := range ids {
		run.Results = append(run.Results, byEntity[id]...)
	}
	sort.SliceStable(run.Diagnostics, func(i, j int) bool {
		return run.Diagnostics[i].EntityID < run.Diagnostics[j].EntityID
	})
	run.FinishedAt = time.Now().UTC()

	r.logger.Info("Analysis complete",
		zap.String("run", run.ID),
		zap.Int("entities", len(ids)),
		zap.Int("results", len(run.Results)),
		zap.Int("cache_hits", run.CacheHits),
		zap.Int("diagnostics", len(run.Diagnostics)),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))

	if err != nil {
		return run, err
	}
	if _, err := r.cache.Prune(run.Fingerprint); err != nil {
		r.logger.Warn("Failed to prune result cache", zap.Error(err))
	}
	return run, nil
}

func (r *Recommender) entityContext(in Input, tl configstate.Timeline, id string, synthetic bool) *entityContext {
	span := in.Store.Span(id)
	end := span.Last
	if !in.End.IsZero() && in.End.Before(end) {
		end = in.End
	}
	start := span.First
	if rng := r.cfg.AnalysisRange(); rng > 0 && end.Add(-rng).After(start) {
		start = end.Add(-rng)
	}

	recs := in.Store.Records(id, start, end)
	windows := analyzer.SubWindows(start, end, r.cfg.SubWindow())
	perWindow := make([][]models.Record, len(windows))
	for i, w := range windows {
		perWindow[i] = recordsIn(recs, w)
	}

	ec := &entityContext{
		id:        id,
		start:     start,
		end:       end,
		windows:   windows,
		perWindow: perWindow,
		epochs:    tl[id],
		synthetic: synthetic,
	}
	if e, ok := configstate.Latest(ec.epochs, end); ok {
		ec.current = e.Attributes
	}
	ec.distress = sync.OnceValue(func() bool {
		primary, ok := r.profiles.Primary()
		if !ok {
			return false
		}
		params := r.windowParams(primary)
		results := make([]models.SubWindowResult, len(windows))
		for i, w := range windows {
			results[i], _ = analyzer.AnalyzeWindow(w, perWindow[i], ec.epochs, params)
		}
		runq := analyzer.AggregateRunQ(results, r.cfg.HalfLifeDays, end)
		return r.engine.Distress(runq, ec.current.MaxCPU(), ec.current.SMT())
	})
	return ec
}

func (r *Recommender) windowParams(p profile.Profile) analyzer.WindowParams {
	return analyzer.WindowParams{
		Smoothing:   p.Smoothing(),
		FilterAbove: p.FilterAbove,
		Percentile:  p.Percentile,
		MinSamples:  r.cfg.MinSamples,
	}
}

// recordsIn returns the records inside the inclusive window
func recordsIn(recs []models.Record, w analyzer.Window) []models.Record {
	lo := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(w.Start) })
	hi := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(w.End) })
	if lo >= hi {
		return nil
	}
	return recs[lo:hi]
}

// cacheParams is the canonical description of everything besides the data
// that determines a result
func (r *Recommender) cacheParams(p profile.Profile, ec *entityContext) string {
	primary := "none"
	if pp, ok := r.profiles.Primary(); ok {
		primary = pp.Key()
	}
	return fmt.Sprintf("%s|distress=%s|end=%s|start=%s|sub=%d|hl=%g|min=%d|growth=%t:%+v|smt=%d|%+v",
		p.Key(), primary, ec.end.Format(time.RFC3339Nano), ec.start.Format(time.RFC3339Nano),
		r.cfg.SubWindowDays, r.cfg.HalfLifeDays, r.cfg.MinSamples,
		r.cfg.GrowthPrediction, r.cfg.GrowthOptions(), r.cfg.DefaultSMT, r.cfg.Pressure)
}

func (r *Recommender) analyzeEntity(ctx context.Context, ec *entityContext, fingerprint string) ([]models.ProfileResult, []models.Diagnostic, int, int, error) {
	var (
		results      = make([]models.ProfileResult, 0, len(r.profiles))
		diags        []models.Diagnostic
		hits, misses int
	)

	for _, p := range r.profiles {
		key := cache.Key(ec.id, r.cacheParams(p, ec), fingerprint)
		res, hit, err := r.cache.GetOrCompute(ctx, key, func(context.Context) (models.ProfileResult, error) {
			return r.computeProfile(ec, p, fingerprint), nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, 0, 0, ctx.Err()
			}
			diags = append(diags, models.Diagnostic{EntityID: ec.id, Profile: p.Name, Kind: DiagComputeFailed, Message: err.Error(), At: time.Now().UTC()})
			res = unavailable(ec, p, fingerprint, err.Error())
		}

		if hit {
			hits++
			r.metrics.cache.WithLabelValues("hit").Inc()
		} else {
			misses++
			r.metrics.cache.WithLabelValues("miss").Inc()
		}

		status := "ok"
		if res.Unavailable {
			status = "unavailable"
			diags = append(diags, models.Diagnostic{EntityID: ec.id, Profile: p.Name, Kind: DiagInsufficientData, Message: res.UnavailableReason, At: time.Now().UTC()})
		}
		r.metrics.results.WithLabelValues(p.Name, status).Inc()
		if !hit {
			if slices.Contains(res.PressureFlags, pressure.FlagDownsizeGuarded) {
				r.metrics.guards.Inc()
			}
			if slices.Contains(res.PressureFlags, pressure.FlagHotThreadWorkload) {
				r.metrics.htw.Inc()
			}
		}
		results = append(results, res)
	}
	return results, diags, hits, misses, nil
}

func unavailable(ec *entityContext, p profile.Profile, fingerprint, reason string) models.ProfileResult {
	return models.ProfileResult{
		EntityID:          ec.id,
		Profile:           p.Name,
		Unavailable:       true,
		UnavailableReason: reason,
		SyntheticConfig:   ec.synthetic,
		Fingerprint:       fingerprint,
		ComputedAt:        time.Now().UTC(),
	}
}

// computeProfile runs the stages in their fixed order for one profile
func (r *Recommender) computeProfile(ec *entityContext, p profile.Profile, fingerprint string) models.ProfileResult {
	log := r.logger.With(zap.String("entity", ec.id), zap.String("profile", p.Name))
	var audit []models.AuditStep

	if ec.synthetic {
		audit = append(audit, models.AuditStep{
			Stage:    "configuration",
			Decision: "synthesized default epoch from observed peak",
			Inputs:   map[string]float64{"entitlement": ec.current.Entitlement(), "smt": float64(ec.current.SMT())},
			Value:    ec.current.Entitlement(),
		})
	}

	// Stage 1: per-sub-window smoothing and filter-then-percentile
	params := r.windowParams(p)
	windows := make([]models.SubWindowResult, len(ec.windows))
	for i, w := range ec.windows {
		res, err := analyzer.AnalyzeWindow(w, ec.perWindow[i], ec.epochs, params)
		windows[i] = res
		if err != nil {
			log.Debug("Excluding sub-window", zap.Time("start", w.Start), zap.Error(err))
			audit = append(audit, models.AuditStep{
				Stage:    "sub_window",
				Decision: fmt.Sprintf("excluded %s..%s: %v", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), err),
				Inputs:   map[string]float64{"samples": float64(res.SampleCount)},
			})
		}
	}

	// Stage 2: recency-weighted aggregation
	base, err := analyzer.Aggregate(windows, r.cfg.HalfLifeDays, ec.end, analyzer.PercentileValue)
	if err != nil {
		log.Debug("Profile unavailable", zap.Error(err))
		res := unavailable(ec, p, fingerprint, err.Error())
		res.Audit = append(audit, models.AuditStep{Stage: "recency", Decision: "unavailable: " + err.Error()})
		return res
	}
	audit = append(audit, models.AuditStep{
		Stage:    "recency",
		Decision: fmt.Sprintf("weighted P%g over %d sub-windows", p.Percentile, len(windows)),
		Inputs:   map[string]float64{"half_life_days": r.cfg.HalfLifeDays, "percentile": p.Percentile},
		Value:    base,
	})

	// Stage 3: growth
	growth := analyzer.GrowthPrediction{Skipped: true, SkipReason: analyzer.GrowthSkipDisabled}
	if r.cfg.GrowthPrediction && p.GrowthEnabled() {
		growth = analyzer.PredictGrowth(windows, r.cfg.GrowthOptions(), base)
	}
	audit = append(audit, models.AuditStep{
		Stage:    "growth",
		Decision: growth.Describe(),
		Inputs: map[string]float64{
			"points":        float64(growth.Points),
			"slope_per_day": growth.SlopePerDay,
			"r2":            growth.R2,
			"raw":           growth.Raw,
			"cap":           growth.CapThreshold,
		},
		Value: growth.Capped,
	})

	// Stage 4: run-queue pressure
	adjusted := base + growth.Capped
	out := r.engine.Evaluate(pressure.Input{
		EntityID:        ec.id,
		Profile:         p.Name,
		BaseValue:       adjusted,
		AdditiveOnly:    p.AdditiveOnly,
		PrimaryDistress: ec.distress(),
		Entitlement:     ec.current.Entitlement(),
		MaxCPU:          ec.current.MaxCPU(),
		SMT:             ec.current.SMT(),
		PoolID:          ec.current.PoolID(),
		RunQ:            analyzer.AggregateRunQ(windows, r.cfg.HalfLifeDays, ec.end),
	})
	audit = append(audit, out.Audit()...)

	log.Debug("Profile computed", zap.Float64("base", base), zap.Float64("final", out.Final), zap.Strings("flags", out.Flags))

	return models.ProfileResult{
		EntityID:             ec.id,
		Profile:              p.Name,
		BaseValue:            base,
		GrowthAdjustment:     growth.Capped,
		AdjustedBase:         adjusted,
		DownsizingApplied:    out.DownsizingApplied,
		PhysCAfterDownsizing: out.AfterDownsize,
		AdditiveCPU:          out.Additive,
		FinalValue:           out.Final,
		PressureFlags:        out.Flags,
		SyntheticConfig:      ec.synthetic,
		Fingerprint:          fingerprint,
		ComputedAt:           time.Now().UTC(),
		Audit:                audit,
	}
}

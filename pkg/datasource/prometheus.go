package datasource

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/timeseries"
)

// maxPointsPerQuery stays under the server's 11,000 points-per-series limit
const maxPointsPerQuery = 10_000

type PrometheusSource struct {
	client v1.API
	url    string
	cfg    Config
	logger *zap.Logger
}

// NewPrometheusSource creates a range-query source. Empty query settings fall
// back to the defaults.
func NewPrometheusSource(cfg Config, logger *zap.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: cfg.PrometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	if cfg.PhysCQuery == "" {
		cfg.PhysCQuery = DefaultPhysCQuery
	}
	if cfg.RunQQuery == "" {
		cfg.RunQQuery = DefaultRunQQuery
	}
	if cfg.EntityLabel == "" {
		cfg.EntityLabel = DefaultEntityLabel
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("invalid query range %s..%s", cfg.Start.Format(time.RFC3339), cfg.End.Format(time.RFC3339))
	}

	return &PrometheusSource{
		client: v1.NewAPI(client),
		url:    cfg.PrometheusURL,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}, nil
}

// Rows queries both metrics over the configured range and joins them on
// (timestamp, entity)
func (p *PrometheusSource) Rows(ctx context.Context) ([]timeseries.RawRow, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	type rowKey struct {
		ts     model.Time
		entity string
	}
	joined := map[rowKey]map[string]string{}

	for _, q := range []struct{ column, query string }{
		{"physc", p.cfg.PhysCQuery},
		{"runq", p.cfg.RunQQuery},
	} {
		matrix, err := p.queryRange(ctx, q.query)
		if err != nil {
			return nil, fmt.Errorf("%s query failed: %w", q.column, err)
		}
		for _, series := range matrix {
			entity := string(series.Metric[model.LabelName(p.cfg.EntityLabel)])
			if entity == "" {
				p.logger.Warn("Skipping series without entity label",
					zap.String("label", p.cfg.EntityLabel),
					zap.String("series", series.Metric.String()))
				continue
			}
			for _, value := range series.Values {
				key := rowKey{ts: value.Timestamp, entity: entity}
				if joined[key] == nil {
					joined[key] = map[string]string{}
				}
				joined[key][q.column] = strconv.FormatFloat(float64(value.Value), 'g', -1, 64)
			}
		}
	}

	keys := make([]rowKey, 0, len(joined))
	for k := range joined {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ts != keys[j].ts {
			return keys[i].ts < keys[j].ts
		}
		return keys[i].entity < keys[j].entity
	})

	rows := make([]timeseries.RawRow, len(keys))
	for i, k := range keys {
		rows[i] = timeseries.RawRow{
			Timestamp: k.ts.Time().UTC().Format(time.RFC3339Nano),
			EntityID:  k.entity,
			Values:    joined[k],
		}
	}
	p.logger.Debug("Fetched Prometheus samples", zap.String("url", p.url), zap.Int("rows", len(rows)))
	return rows, nil
}

// queryRange runs query in chunks small enough for the server's per-series
// point limit and concatenates the matrices
func (p *PrometheusSource) queryRange(ctx context.Context, query string) (model.Matrix, error) {
	chunk := p.cfg.Step * maxPointsPerQuery
	var out model.Matrix
	for start := p.cfg.Start; start.Before(p.cfg.End); start = start.Add(chunk + p.cfg.Step) {
		end := start.Add(chunk)
		if end.After(p.cfg.End) {
			end = p.cfg.End
		}
		r := v1.Range{
			Start: start,
			End:   end,
			Step:  p.cfg.Step,
		}

		p.logger.Debug("Prometheus range query",
			zap.String("query", query),
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Duration("step", p.cfg.Step))

		result, warnings, err := p.client.QueryRange(ctx, query, r)
		if err != nil {
			return nil, fmt.Errorf("prometheus query failed: %w", err)
		}
		if len(warnings) > 0 {
			p.logger.Warn("Prometheus warnings", zap.Strings("warnings", warnings))
		}

		matrix, ok := result.(model.Matrix)
		if !ok {
			return nil, fmt.Errorf("unexpected result type: %T", result)
		}
		out = append(out, matrix...)
	}
	return out, nil
}

// IsAvailable reports whether the server answers queries
func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "up", time.Now())
	return err == nil
}

func (p *PrometheusSource) Name() string {
	return "Prometheus"
}

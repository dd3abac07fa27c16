package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures what differs between the SQL backends
type dialect struct {
	name   string
	schema string

	// placeholder renders the n-th (1-based) bind parameter
	placeholder func(n int) string
}

var (
	postgresDialect = dialect{
		name:        "postgres",
		schema:      "migrations/001_postgres_schema.sql",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	sqliteDialect = dialect{
		name:        "sqlite",
		schema:      "migrations/001_sqlite_schema.sql",
		placeholder: func(int) string { return "?" },
	}
)

// sqlStore implements Store over database/sql
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, logger: logging.OrNop(logger)}
}

// rebind rewrites ? markers into the dialect's placeholders
func (s *sqlStore) rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate runs database migrations
func (s *sqlStore) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// SaveResults stores a run and its results in one transaction
func (s *sqlStore) SaveResults(ctx context.Context, run RunRecord, results []models.ProfileResult) ([]models.StoredResult, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	storedAt := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, fingerprint, started_at, finished_at, entity_count, result_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`), run.ID, run.Fingerprint, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Entities, len(results))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	insertResult, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO profile_results (
			id, run_id, entity_id, profile,
			base_value, growth_adjustment, adjusted_base, downsizing_applied, physc_after_downsizing,
			additive_cpu, final_value, pressure_flags,
			unavailable, unavailable_reason, synthetic_config,
			fingerprint, computed_at, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return nil, err
	}
	defer insertResult.Close()

	insertStep, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO audit_steps (result_id, seq, stage, decision, inputs, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return nil, err
	}
	defer insertStep.Close()

	stored := make([]models.StoredResult, 0, len(results))
	for _, res := range results {
		id := uuid.New().String()
		_, err := insertResult.ExecContext(ctx,
			id, run.ID, res.EntityID, res.Profile,
			res.BaseValue, res.GrowthAdjustment, res.AdjustedBase, res.DownsizingApplied, res.PhysCAfterDownsizing,
			res.AdditiveCPU, res.FinalValue, strings.Join(res.PressureFlags, ","),
			res.Unavailable, res.UnavailableReason, res.SyntheticConfig,
			res.Fingerprint, res.ComputedAt.UTC(), storedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert result %s/%s: %w", res.EntityID, res.Profile, err)
		}

		for seq, step := range res.Audit {
			inputs := ""
			if len(step.Inputs) > 0 {
				data, err := json.Marshal(step.Inputs)
				if err != nil {
					return nil, err
				}
				inputs = string(data)
			}
			if _, err := insertStep.ExecContext(ctx, id, seq, step.Stage, step.Decision, inputs, step.Value); err != nil {
				return nil, fmt.Errorf("failed to insert audit step: %w", err)
			}
		}
		stored = append(stored, models.StoredResult{ID: id, RunID: run.ID, Result: res})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit results: %w", err)
	}
	s.logger.Debug("Stored run results",
		zap.String("driver", s.dialect.name),
		zap.String("run", run.ID),
		zap.Int("results", len(stored)))
	return stored, nil
}

// ListResults retrieves an entity's stored results, newest first. Audit
// steps are not loaded; use GetAudit.
func (s *sqlStore) ListResults(ctx context.Context, entity string, limit int) ([]models.StoredResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`
		SELECT id, run_id, entity_id, profile,
			base_value, growth_adjustment, adjusted_base, downsizing_applied, physc_after_downsizing,
			additive_cpu, final_value, pressure_flags,
			unavailable, unavailable_reason, synthetic_config,
			fingerprint, computed_at
		FROM profile_results
		WHERE entity_id = ?
		ORDER BY stored_at DESC, profile
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, entity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.StoredResult
	for rows.Next() {
		var sr models.StoredResult
		var flags, reason sql.NullString
		res := &sr.Result

		err := rows.Scan(
			&sr.ID, &sr.RunID, &res.EntityID, &res.Profile,
			&res.BaseValue, &res.GrowthAdjustment, &res.AdjustedBase, &res.DownsizingApplied, &res.PhysCAfterDownsizing,
			&res.AdditiveCPU, &res.FinalValue, &flags,
			&res.Unavailable, &reason, &res.SyntheticConfig,
			&res.Fingerprint, &res.ComputedAt,
		)
		if err != nil {
			return nil, err
		}

		if flags.Valid && flags.String != "" {
			res.PressureFlags = strings.Split(flags.String, ",")
		}
		res.UnavailableReason = reason.String
		res.ComputedAt = res.ComputedAt.UTC()

		results = append(results, sr)
	}

	return results, rows.Err()
}

// GetAudit retrieves the audit steps of one stored result in order
func (s *sqlStore) GetAudit(ctx context.Context, resultID string) ([]models.AuditStep, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM profile_results WHERE id = ?`), resultID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", resultID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT stage, decision, inputs, value
		FROM audit_steps
		WHERE result_id = ?
		ORDER BY seq
	`), resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.AuditStep
	for rows.Next() {
		var step models.AuditStep
		var inputs sql.NullString
		if err := rows.Scan(&step.Stage, &step.Decision, &inputs, &step.Value); err != nil {
			return nil, err
		}
		if inputs.Valid && inputs.String != "" {
			if err := json.Unmarshal([]byte(inputs.String), &step.Inputs); err != nil {
				return nil, fmt.Errorf("failed to decode audit inputs: %w", err)
			}
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// Ping checks database connectivity
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

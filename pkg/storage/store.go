package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/models"
)

// ErrNotFound is returned when a stored result does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for persistent result history
type Store interface {
	SaveResults(ctx context.Context, run RunRecord, results []models.ProfileResult) ([]models.StoredResult, error)
	ListResults(ctx context.Context, entity string, limit int) ([]models.StoredResult, error)
	GetAudit(ctx context.Context, resultID string) ([]models.AuditStep, error)

	Ping(ctx context.Context) error
	Close() error
}

// RunRecord describes the run a batch of results came from
type RunRecord struct {
	ID          string
	Fingerprint string
	StartedAt   time.Time
	FinishedAt  time.Time
	Entities    int
}

type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured store and applies its schema
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.DSN, logger)
	}
	return nil, &models.ConfigurationError{Field: "storage_driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
}

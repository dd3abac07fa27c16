// Package datasource reads raw performance rows and configuration events
// from collaborator sources: CSV exports and a Prometheus server.
package datasource

import (
	"context"
	"time"

	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/timeseries"
)

// DataSource produces unvalidated performance rows. Validation happens in
// timeseries.Store.Ingest so every source reports malformed rows the same way.
type DataSource interface {
	Rows(ctx context.Context) ([]timeseries.RawRow, error)
	Name() string
}

// EventSource produces unvalidated configuration attribute events
type EventSource interface {
	Events(ctx context.Context) ([]configstate.RawEvent, error)
	Name() string
}

type Config struct {
	PrometheusURL string
	Timeout       time.Duration
	Start         time.Time
	End           time.Time
	Step          time.Duration
	PhysCQuery    string
	RunQQuery     string
	EntityLabel   string
}

// Default Prometheus query settings
const (
	DefaultPhysCQuery  = "lpar_physc"
	DefaultRunQQuery   = "lpar_runq"
	DefaultEntityLabel = "lpar"
	DefaultStep        = time.Minute
)

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opscart/nfit/pkg/analyzer"
	"github.com/opscart/nfit/pkg/models"
	"github.com/opscart/nfit/pkg/pressure"
)

// EnvPrefix prefixes every environment variable, e.g. NFIT_HALF_LIFE_DAYS
const EnvPrefix = "NFIT"

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log formats
const (
	LogConsole = "console"
	LogJSON    = "json"
)

// Config holds application configuration. It is built once at startup and
// passed explicitly; nothing reads it from package state.
type Config struct {
	// Cache
	CacheDir    string        `mapstructure:"cache_dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	ResultTTL   time.Duration `mapstructure:"result_ttl"`

	// Analysis
	Workers             int     `mapstructure:"workers"`
	AnalysisDays        int     `mapstructure:"analysis_days"` // 0 = whole data span
	SubWindowDays       int     `mapstructure:"sub_window_days"`
	HalfLifeDays        float64 `mapstructure:"half_life_days"`
	MinSamples          int     `mapstructure:"min_samples"`
	SmoothingMethod     string  `mapstructure:"smoothing_method"`
	SortMemoryRecords   int     `mapstructure:"sort_memory_records"`
	DefaultSMT          int     `mapstructure:"default_smt"` // used for synthesized configuration
	GrowthPrediction    bool    `mapstructure:"growth_prediction"`
	ProjectionDays      int     `mapstructure:"projection_days"`
	MaxInflationPercent float64 `mapstructure:"max_inflation_percent"`
	GrowthMinPoints     int     `mapstructure:"growth_min_points"`
	GrowthVolatilityCV  float64 `mapstructure:"growth_volatility_cv"`
	ProfilesFile        string  `mapstructure:"profiles_file"`

	// Storage
	StorageEnabled bool   `mapstructure:"storage_enabled"`
	StorageDriver  string `mapstructure:"storage_driver"`
	DatabaseURL    string `mapstructure:"database_url"`

	// Prometheus
	PrometheusURL string `mapstructure:"prometheus_url"`

	// Output
	MetricsFile string `mapstructure:"metrics_file"`
	LogFormat   string `mapstructure:"log_format"` // console or json
	Verbose     bool   `mapstructure:"verbose"`

	Pressure pressure.Thresholds `mapstructure:"pressure"`
}

var defaults = map[string]any{
	"cache_dir":             ".nfit-cache",
	"lock_timeout":          30 * time.Second,
	"result_ttl":            time.Duration(0),
	"workers":               4,
	"analysis_days":         0,
	"sub_window_days":       7,
	"half_life_days":        30.0,
	"min_samples":           analyzer.DefaultMinSamples,
	"smoothing_method":      string(analyzer.MethodSMA),
	"sort_memory_records":   250_000,
	"default_smt":           8,
	"growth_prediction":     true,
	"projection_days":       90,
	"max_inflation_percent": 25.0,
	"growth_min_points":     3,
	"growth_volatility_cv":  0.5,
	"profiles_file":         "",
	"storage_enabled":       false,
	"storage_driver":        DriverSQLite,
	"database_url":          "",
	"prometheus_url":        "http://localhost:9090",
	"metrics_file":          "",
	"log_format":            LogConsole,
	"verbose":               false,
}

// NewViper returns a viper instance with every key defaulted and bound to
// its NFIT_ environment variable. Callers may bind command-line flags on top.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, value := range pressureDefaults() {
		v.SetDefault("pressure."+key, value)
	}
	return v
}

// pressureDefaults flattens the default thresholds through their yaml tags
func pressureDefaults() map[string]any {
	data, err := yaml.Marshal(pressure.DefaultThresholds())
	if err != nil {
		panic(err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// FromViper decodes a configuration
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &models.ConfigurationError{Field: "environment", Reason: err.Error()}
	}
	return &cfg, nil
}

// NewConfig creates a configuration from defaults and the environment
func NewConfig() (*Config, error) {
	return FromViper(NewViper())
}

// Validate rejects contradictory parameter combinations before any
// computation begins
func (c *Config) Validate() error {
	switch {
	case c.CacheDir == "":
		return &models.ConfigurationError{Field: "cache_dir", Reason: "must be set"}
	case c.LockTimeout <= 0:
		return &models.ConfigurationError{Field: "lock_timeout", Reason: "must be positive"}
	case c.Workers < 1:
		return &models.ConfigurationError{Field: "workers", Reason: "must be at least 1"}
	case c.SubWindowDays < 1:
		return &models.ConfigurationError{Field: "sub_window_days", Reason: "must be at least 1"}
	case c.AnalysisDays < 0:
		return &models.ConfigurationError{Field: "analysis_days", Reason: "must not be negative"}
	case c.AnalysisDays > 0 && c.AnalysisDays < c.SubWindowDays:
		return &models.ConfigurationError{Field: "sub_window_days", Reason: fmt.Sprintf("sub-window of %d days exceeds analysis range of %d days", c.SubWindowDays, c.AnalysisDays)}
	case c.HalfLifeDays <= 0:
		return &models.ConfigurationError{Field: "half_life_days", Reason: "must be positive"}
	case c.DefaultSMT < 1:
		return &models.ConfigurationError{Field: "default_smt", Reason: "must be at least 1"}
	case c.MinSamples < 1:
		return &models.ConfigurationError{Field: "min_samples", Reason: "must be at least 1"}
	case c.SmoothingMethod != string(analyzer.MethodSMA) && c.SmoothingMethod != string(analyzer.MethodEMA):
		return &models.ConfigurationError{Field: "smoothing_method", Reason: fmt.Sprintf("unknown method %q", c.SmoothingMethod)}
	case c.ProjectionDays < 0:
		return &models.ConfigurationError{Field: "projection_days", Reason: "must not be negative"}
	case c.MaxInflationPercent < 0:
		return &models.ConfigurationError{Field: "max_inflation_percent", Reason: "must not be negative"}
	case c.GrowthMinPoints < 3:
		return &models.ConfigurationError{Field: "growth_min_points", Reason: "a trend needs at least 3 sub-windows"}
	case c.LogFormat != LogConsole && c.LogFormat != LogJSON:
		return &models.ConfigurationError{Field: "log_format", Reason: fmt.Sprintf("unknown format %q", c.LogFormat)}
	case c.StorageEnabled && c.DatabaseURL == "":
		return &models.ConfigurationError{Field: "database_url", Reason: "must be set when storage is enabled"}
	case c.StorageEnabled && c.StorageDriver != DriverSQLite && c.StorageDriver != DriverPostgres:
		return &models.ConfigurationError{Field: "storage_driver", Reason: fmt.Sprintf("unknown driver %q", c.StorageDriver)}
	}
	return c.Pressure.Validate()
}

// SubWindow returns the sub-window length
func (c *Config) SubWindow() time.Duration {
	return time.Duration(c.SubWindowDays) * 24 * time.Hour
}

// AnalysisRange returns the analysis range, zero meaning the whole data span
func (c *Config) AnalysisRange() time.Duration {
	return time.Duration(c.AnalysisDays) * 24 * time.Hour
}

// GrowthOptions returns the growth predictor settings
func (c *Config) GrowthOptions() analyzer.GrowthOptions {
	return analyzer.GrowthOptions{
		ProjectionDays:      c.ProjectionDays,
		MaxInflationPercent: c.MaxInflationPercent,
		MinPoints:           c.GrowthMinPoints,
		VolatilityCV:        c.GrowthVolatilityCV,
	}
}

package cache

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
)

// Data cache artifact names
const (
	ManifestFile = "manifest.json"
	PerfFile     = "perf.csv.sz"
	ConfigFile   = "config.json"
	LockFile     = ".lock"
	ResultsDir   = "results"

	manifestVersion = 1
)

// ErrMiss is returned by Load when no committed data cache exists
var ErrMiss = errors.New("cache miss")

var perfHeader = []string{"timestamp", "entity", "physc", "runq"}

// Manifest describes a committed data cache. It is written last, so its
// presence means every artifact it names is complete.
type Manifest struct {
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Records     int       `json:"records"`
	Entities    int       `json:"entities"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
	PerfBytes   int64     `json:"perf_bytes"`
	BuiltAt     time.Time `json:"built_at"`
}

// DataCache persists the merged performance table and configuration timeline
type DataCache struct {
	dir         string
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewDataCache creates a data cache rooted at dir
func NewDataCache(dir string, lockTimeout time.Duration, logger *zap.Logger) *DataCache {
	return &DataCache{dir: dir, lockTimeout: lockTimeout, logger: logging.OrNop(logger)}
}

// Dir returns the cache directory
func (c *DataCache) Dir() string {
	return c.dir
}

// Results returns the result cache that lives inside this data cache
func (c *DataCache) Results(ttl time.Duration) *ResultCache {
	return NewResultCache(filepath.Join(c.dir, ResultsDir), ttl, c.logger)
}

// Build writes records (sorted by timestamp, entity) and the timeline under
// the directory's exclusive lock. The old manifest is withdrawn first, so a
// lock-free reader sees either a committed cache or a miss.
func (c *DataCache) Build(ctx context.Context, records []models.Record, tl configstate.Timeline) (Manifest, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock, err := AcquireLock(ctx, filepath.Join(c.dir, LockFile), c.lockTimeout)
	if err != nil {
		return Manifest{}, err
	}
	defer lock.Release()

	c.logger.Debug("Building data cache", zap.String("dir", c.dir), zap.Int("records", len(records)))
	if err := os.Remove(filepath.Join(c.dir, ManifestFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("failed to withdraw manifest: %w", err)
	}

	configData, err := configstate.Encode(tl)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to encode timeline: %w", err)
	}

	perfHash := xxhash.New()
	err = writeAtomic(filepath.Join(c.dir, PerfFile), func(w io.Writer) error {
		sw := snappy.NewBufferedWriter(w)
		if err := writePerf(ctx, io.MultiWriter(sw, perfHash), records); err != nil {
			return err
		}
		return sw.Close()
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to write performance table: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(c.dir, ConfigFile), configData); err != nil {
		return Manifest{}, fmt.Errorf("failed to write configuration timeline: %w", err)
	}

	m := Manifest{
		Version:     manifestVersion,
		Fingerprint: fingerprint(perfHash.Sum64(), configData),
		Records:     len(records),
		Entities:    countEntities(records),
		BuiltAt:     time.Now().UTC(),
	}
	if len(records) > 0 {
		m.First, m.Last = records[0].Timestamp, records[len(records)-1].Timestamp
	}
	if st, err := os.Stat(filepath.Join(c.dir, PerfFile)); err == nil {
		m.PerfBytes = st.Size()
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := writeFileAtomic(filepath.Join(c.dir, ManifestFile), manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to commit manifest: %w", err)
	}

	c.logger.Info("Data cache committed",
		zap.String("dir", c.dir),
		zap.String("records", humanize.Comma(int64(m.Records))),
		zap.Int("entities", m.Entities),
		zap.String("size", humanize.Bytes(uint64(m.PerfBytes))),
		zap.String("fingerprint", m.Fingerprint))
	return m, nil
}

// Manifest reads the committed manifest
func (c *DataCache) Manifest() (Manifest, error) {
	path := filepath.Join(c.dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrMiss
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, &models.CacheCorruptionError{Path: path, Cause: err}
	}
	if m.Version != manifestVersion {
		return Manifest{}, &models.CacheCorruptionError{Path: path, Cause: fmt.Errorf("unsupported version %d", m.Version)}
	}
	return m, nil
}

// Load reads a committed data cache without locking. A missing manifest is
// ErrMiss; any artifact that fails to parse or no longer matches the manifest
// fingerprint is a *models.CacheCorruptionError.
func (c *DataCache) Load(ctx context.Context) ([]models.Record, configstate.Timeline, Manifest, error) {
	m, err := c.Manifest()
	if err != nil {
		return nil, nil, Manifest{}, err
	}

	perfPath := filepath.Join(c.dir, PerfFile)
	f, err := os.Open(perfPath)
	if err != nil {
		return nil, nil, Manifest{}, &models.CacheCorruptionError{Path: perfPath, Cause: err}
	}
	defer f.Close()

	perfHash := xxhash.New()
	records, err := readPerf(ctx, io.TeeReader(snappy.NewReader(bufio.NewReader(f)), perfHash))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, Manifest{}, ctx.Err()
		}
		return nil, nil, Manifest{}, &models.CacheCorruptionError{Path: perfPath, Cause: err}
	}

	configPath := filepath.Join(c.dir, ConfigFile)
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, Manifest{}, &models.CacheCorruptionError{Path: configPath, Cause: err}
	}
	tl, err := configstate.Decode(configData)
	if err != nil {
		return nil, nil, Manifest{}, &models.CacheCorruptionError{Path: configPath, Cause: err}
	}

	if got := fingerprint(perfHash.Sum64(), configData); got != m.Fingerprint {
		return nil, nil, Manifest{}, &models.CacheCorruptionError{
			Path:  c.dir,
			Cause: fmt.Errorf("fingerprint %s does not match manifest %s", got, m.Fingerprint),
		}
	}

	c.logger.Debug("Loaded data cache",
		zap.String("dir", c.dir),
		zap.String("records", humanize.Comma(int64(len(records)))),
		zap.String("built", humanize.Time(m.BuiltAt)))
	return records, tl, m, nil
}

// Clear removes every artifact under the lock
func (c *DataCache) Clear(ctx context.Context) error {
	if _, err := os.Stat(c.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	lock, err := AcquireLock(ctx, filepath.Join(c.dir, LockFile), c.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	// Manifest first so a concurrent reader sees a miss, not a torn cache
	for _, name := range []string{ManifestFile, PerfFile, ConfigFile, ResultsDir} {
		if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil {
			return err
		}
	}
	c.logger.Info("Data cache cleared", zap.String("dir", c.dir))
	return nil
}

// Fingerprint identifies a dataset: the same records and timeline always
// produce the same value, whether or not they were ever cached
func Fingerprint(records []models.Record, tl configstate.Timeline) (string, error) {
	configData, err := configstate.Encode(tl)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	if err := writePerf(context.Background(), h, records); err != nil {
		return "", err
	}
	return fingerprint(h.Sum64(), configData), nil
}

func fingerprint(perf uint64, configData []byte) string {
	return fmt.Sprintf("%016x%016x", perf, xxhash.Sum64(configData))
}

func countEntities(records []models.Record) int {
	seen := make(map[string]struct{})
	for _, r := range records {
		seen[r.EntityID] = struct{}{}
	}
	return len(seen)
}

func formatOptional(v models.OptionalFloat) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Value, 'g', -1, 64)
}

func parseOptional(raw string) (models.OptionalFloat, error) {
	if raw == "" {
		return models.OptionalFloat{}, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return models.OptionalFloat{}, err
	}
	return models.Some(v), nil
}

func writePerf(ctx context.Context, w io.Writer, records []models.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(perfHeader); err != nil {
		return err
	}
	row := make([]string, len(perfHeader))
	for i, r := range records {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row[0] = r.Timestamp.UTC().Format(time.RFC3339Nano)
		row[1] = r.EntityID
		row[2] = formatOptional(r.PhysC)
		row[3] = formatOptional(r.RunQ)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func readPerf(ctx context.Context, r io.Reader) ([]models.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(perfHeader)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, h := range perfHeader {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected column %q", header[i])
		}
	}

	var out []models.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		ts, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		physc, err := parseOptional(row[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		runq, err := parseOptional(row[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, models.Record{Timestamp: ts, EntityID: row[1], PhysC: physc, RunQ: runq})
	}
}

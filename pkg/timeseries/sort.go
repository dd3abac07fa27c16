package timeseries

import (
	"container/heap"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
)

// DefaultMaxInMemory is the number of records buffered before a sorted run is spilled
const DefaultMaxInMemory = 250_000

// SortOptions bounds the memory used by Sorter
type SortOptions struct {
	MaxInMemory int
	TempDir     string
}

// Sorter is an external merge sort over records keyed by (timestamp, entity).
// Records are buffered up to MaxInMemory, spilled as sorted snappy-compressed
// runs, then k-way merged. Records sharing a key are unioned on output.
type Sorter struct {
	opts   SortOptions
	buf    []models.Record
	runs   []string
	logger *zap.Logger
}

// NewSorter creates a sorter
func NewSorter(opts SortOptions, logger *zap.Logger) *Sorter {
	if opts.MaxInMemory <= 0 {
		opts.MaxInMemory = DefaultMaxInMemory
	}
	return &Sorter{opts: opts, logger: logging.OrNop(logger)}
}

// Add buffers a record, spilling a run when the buffer is full
func (s *Sorter) Add(r models.Record) error {
	s.buf = append(s.buf, r)
	if len(s.buf) >= s.opts.MaxInMemory {
		return s.spill()
	}
	return nil
}

// Runs reports how many runs have been spilled to disk
func (s *Sorter) Runs() int {
	return len(s.runs)
}

func sortRecords(recs []models.Record) {
	slices.SortStableFunc(recs, func(a, b models.Record) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}

func (s *Sorter) spill() (err error) {
	sortRecords(s.buf)

	f, err := os.CreateTemp(s.opts.TempDir, "nfit-run-*.sz")
	if err != nil {
		return fmt.Errorf("failed to create sort run: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	w := snappy.NewBufferedWriter(f)
	enc := gob.NewEncoder(w)
	for i := range s.buf {
		if err := enc.Encode(&s.buf[i]); err != nil {
			return fmt.Errorf("failed to write sort run: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to flush sort run: %w", err)
	}

	s.logger.Debug("Spilled sort run", zap.String("path", f.Name()), zap.Int("records", len(s.buf)))
	s.runs = append(s.runs, f.Name())
	s.buf = s.buf[:0]
	return nil
}

// Merge emits every added record in (timestamp, entity) order, unioning
// records that share a key
func (s *Sorter) Merge(ctx context.Context, fn func(models.Record) error) error {
	sortRecords(s.buf)

	cursors := make([]cursor, 0, len(s.runs)+1)
	for _, path := range s.runs {
		rc, err := openRun(path)
		if err != nil {
			closeCursors(cursors)
			return err
		}
		cursors = append(cursors, rc)
	}
	cursors = append(cursors, &sliceCursor{recs: s.buf})
	defer closeCursors(cursors)

	return mergeCursors(ctx, cursors, fn)
}

// Close removes spilled runs
func (s *Sorter) Close() error {
	var errs []error
	for _, path := range s.runs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	s.runs = nil
	s.buf = nil
	return errors.Join(errs...)
}

// MergeSources merges partial sources by (timestamp, entity) keeping the
// union of fields per key. Missing fields stay absent.
func MergeSources(ctx context.Context, opts SortOptions, logger *zap.Logger, sources ...[]models.Record) ([]models.Record, error) {
	sorter := NewSorter(opts, logger)
	defer sorter.Close()

	for _, src := range sources {
		for _, r := range src {
			if err := sorter.Add(r); err != nil {
				return nil, err
			}
		}
	}

	var out []models.Record
	err := sorter.Merge(ctx, func(r models.Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type cursor interface {
	next() (models.Record, bool, error)
	close() error
}

type sliceCursor struct {
	recs []models.Record
	pos  int
}

func (c *sliceCursor) next() (models.Record, bool, error) {
	if c.pos >= len(c.recs) {
		return models.Record{}, false, nil
	}
	r := c.recs[c.pos]
	c.pos++
	return r, true, nil
}

func (c *sliceCursor) close() error { return nil }

type runCursor struct {
	f   *os.File
	dec *gob.Decoder
}

func openRun(path string) (*runCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sort run: %w", err)
	}
	return &runCursor{f: f, dec: gob.NewDecoder(snappy.NewReader(f))}, nil
}

func (c *runCursor) next() (models.Record, bool, error) {
	var r models.Record
	if err := c.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return models.Record{}, false, nil
		}
		return models.Record{}, false, fmt.Errorf("failed to read sort run %s: %w", c.f.Name(), err)
	}
	return r, true, nil
}

func (c *runCursor) close() error { return c.f.Close() }

func closeCursors(cs []cursor) {
	for _, c := range cs {
		c.close()
	}
}

type heapItem struct {
	rec models.Record
	src int
}

type recordHeap []heapItem

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if h[i].rec.SameKey(h[j].rec) {
		return h[i].src < h[j].src
	}
	return h[i].rec.Less(h[j].rec)
}
func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeCursors performs the k-way merge. Ties on key resolve in cursor order
// so the earliest source contributes first.
func mergeCursors(ctx context.Context, cursors []cursor, fn func(models.Record) error) error {
	h := make(recordHeap, 0, len(cursors))
	for i, c := range cursors {
		r, ok, err := c.next()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, heapItem{rec: r, src: i})
		}
	}
	heap.Init(&h)

	var pending models.Record
	havePending := false
	count := 0

	for h.Len() > 0 {
		if count%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		count++

		item := heap.Pop(&h).(heapItem)
		if r, ok, err := cursors[item.src].next(); err != nil {
			return err
		} else if ok {
			heap.Push(&h, heapItem{rec: r, src: item.src})
		}

		if havePending && pending.SameKey(item.rec) {
			pending = UnionFields(pending, item.rec)
			continue
		}
		if havePending {
			if err := fn(pending); err != nil {
				return err
			}
		}
		pending = item.rec
		havePending = true
	}

	if havePending {
		return fn(pending)
	}
	return nil
}

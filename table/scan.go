package table

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/florinutz/icetable/cel"
	"github.com/florinutz/icetable/codec"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/tracing"
)

// ScanOption configures a Scan.
type ScanOption func(*scanConfig)

type scanConfig struct {
	snapshotID  *int64
	asOf        *time.Time
	filter      string
	columns     []string
	concurrency int
}

// WithSnapshotID scans the given snapshot instead of the current one.
func WithSnapshotID(id int64) ScanOption {
	return func(c *scanConfig) { c.snapshotID = &id }
}

// AsOf scans the snapshot that was current at ts.
func AsOf(ts time.Time) ScanOption {
	return func(c *scanConfig) { c.asOf = &ts }
}

// WithRowFilter keeps only rows for which the CEL expression is true.
func WithRowFilter(expr string) ScanOption {
	return func(c *scanConfig) { c.filter = expr }
}

// Select projects the output onto the named columns.
func Select(columns ...string) ScanOption {
	return func(c *scanConfig) { c.columns = columns }
}

// WithConcurrency bounds how many manifests are read at once.
func WithConcurrency(n int) ScanOption {
	return func(c *scanConfig) { c.concurrency = n }
}

// Scan reads one pinned snapshot. Commits made after the scan was created
// are never visible to it.
type Scan struct {
	t        *Table
	snapshot *Snapshot // nil for an empty table
	schema   *schema.Schema
	output   *schema.Schema
	filter   *cel.Program
	conc     int
}

// NewScan pins a snapshot and prepares the projection and row filter.
func (t *Table) NewScan(opts ...ScanOption) (*Scan, error) {
	cfg := scanConfig{concurrency: 8}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Scan{t: t, conc: max(cfg.concurrency, 1)}
	switch {
	case cfg.snapshotID != nil:
		snap, err := t.meta.SnapshotByID(*cfg.snapshotID)
		if err != nil {
			return nil, err
		}
		s.snapshot = snap
	case cfg.asOf != nil:
		snap, err := t.meta.SnapshotAsOf(*cfg.asOf)
		if err != nil {
			return nil, err
		}
		s.snapshot = snap
	default:
		s.snapshot = t.meta.CurrentSnapshot()
	}

	// Time travel reads with the schema the snapshot was written with; the
	// current snapshot reads with the current schema.
	s.schema = t.Schema()
	if s.snapshot != nil && (cfg.snapshotID != nil || cfg.asOf != nil) {
		sc, err := t.meta.SchemaByID(s.snapshot.SchemaID)
		if err != nil {
			return nil, err
		}
		s.schema = sc
	}

	s.output = s.schema
	if len(cfg.columns) > 0 {
		out, err := s.schema.Select(cfg.columns...)
		if err != nil {
			return nil, err
		}
		s.output = out
	}

	if cfg.filter != "" {
		prg, err := cel.Compile(cfg.filter, s.schema)
		if err != nil {
			return nil, fmt.Errorf("row filter: %w", err)
		}
		s.filter = prg
	}
	return s, nil
}

// Snapshot returns the pinned snapshot, nil for an empty table.
func (s *Scan) Snapshot() *Snapshot { return s.snapshot }

// Schema returns the schema of the rows the scan yields.
func (s *Scan) Schema() *schema.Schema { return s.output }

// PlanFiles yields the live data files of the pinned snapshot. Each range
// over the sequence plans again from the immutable manifests.
func (s *Scan) PlanFiles(ctx context.Context) iter.Seq2[manifest.DataFile, error] {
	return func(yield func(manifest.DataFile, error) bool) {
		files, err := s.plan(ctx)
		if err != nil {
			yield(manifest.DataFile{}, err)
			return
		}
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *Scan) plan(ctx context.Context) ([]manifest.DataFile, error) {
	if s.snapshot == nil {
		return nil, nil
	}
	ctx, span := s.t.tracer.Start(ctx, "icetable.scan.plan")
	defer span.End()
	span.SetAttributes(tracing.TableKey.String(s.t.name), tracing.SnapshotKey.Int64(s.snapshot.SnapshotID))

	start := time.Now()
	list, err := manifest.ReadList(ctx, s.t.store, s.snapshot.ManifestList)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	entries, err := s.t.readEntriesN(ctx, list, s.conc)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	files := manifest.LiveFiles(entries)

	metrics.ScanPlanDuration.Observe(time.Since(start).Seconds())
	metrics.ScanFilesPlanned.Add(float64(len(files)))
	span.SetAttributes(tracing.FilesKey.Int(len(files)))
	return files, nil
}

// Records streams the rows of every planned file, filtered and projected.
func (s *Scan) Records(ctx context.Context) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		for df, err := range s.PlanFiles(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			for rec, err := range s.fileRecords(ctx, df) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

func (s *Scan) fileRecords(ctx context.Context, df manifest.DataFile) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		obj, err := s.t.store.Get(ctx, df.Path)
		if err != nil {
			yield(nil, fmt.Errorf("read data file %s: %w", df.Path, err))
			return
		}
		for rec, err := range s.t.codec.Decode(s.schema, obj.Data) {
			if err != nil {
				yield(nil, fmt.Errorf("decode data file %s: %w", df.Path, err))
				return
			}
			if s.filter != nil {
				ok, err := s.filter.Eval(rec)
				if err != nil {
					yield(nil, fmt.Errorf("filter %q on data file %s: %w", s.filter, df.Path, err))
					return
				}
				if !ok {
					continue
				}
			}
			metrics.ScanRecordsRead.Inc()
			if !yield(s.project(rec), nil) {
				return
			}
		}
	}
}

func (s *Scan) project(rec schema.Record) schema.Record {
	if s.output == s.schema {
		return rec
	}
	out := make(schema.Record, len(s.output.Columns))
	for _, c := range s.output.Columns {
		out[c.Name] = rec[c.Name]
	}
	return out
}

// ToRecords collects every row. Use Records for large scans.
func (s *Scan) ToRecords(ctx context.Context) ([]schema.Record, error) {
	var out []schema.Record
	for rec, err := range s.Records(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ToArrow yields one record batch per data file. Callers release each
// batch.
func (s *Scan) ToArrow(ctx context.Context, mem memory.Allocator) iter.Seq2[arrow.RecordBatch, error] {
	return func(yield func(arrow.RecordBatch, error) bool) {
		for df, err := range s.PlanFiles(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			var rows []schema.Record
			for rec, err := range s.fileRecords(ctx, df) {
				if err != nil {
					yield(nil, err)
					return
				}
				rows = append(rows, rec)
			}
			if len(rows) == 0 {
				continue
			}
			batch, err := codec.ToArrow(s.output, rows, mem)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

package table

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/florinutz/icetable/codec"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

// Pointer is the catalog's view of one table: the location of its current
// metadata and the compare-and-swap that moves it.
type Pointer interface {
	// Current returns the current metadata location.
	Current(ctx context.Context) (string, error)
	// Swap moves the pointer from expected to next. It fails with
	// icetableerr.ConcurrentModificationError when expected is not current.
	Swap(ctx context.Context, expected, next string) error
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithTracer sets the tracer for commits and scans. Defaults to noop.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Table) { t.tracer = tr }
}

// WithCodec sets the data file codec. Defaults to Parquet.
func WithCodec(c codec.Codec) Option {
	return func(t *Table) { t.codec = c }
}

// Table is a handle on one metadata version of a table. Handles are
// immutable: every change returns a new handle and leaves the old one
// describing the state it was loaded at.
type Table struct {
	name     string
	meta     *Metadata
	location string
	store    objstore.Store
	pointer  Pointer
	codec    codec.Codec
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns a handle for meta, which was read from metadataLocation.
func New(name string, meta *Metadata, metadataLocation string, store objstore.Store, ptr Pointer, opts ...Option) *Table {
	t := &Table{
		name:     name,
		meta:     meta,
		location: metadataLocation,
		store:    store,
		pointer:  ptr,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("table", name)
	if t.tracer == nil {
		t.tracer = noop.NewTracerProvider().Tracer("icetable")
	}
	if t.codec == nil {
		t.codec = codec.NewParquet()
	}
	return t
}

// Load reads the pointer's current metadata and returns a handle on it.
func Load(ctx context.Context, name string, store objstore.Store, ptr Pointer, opts ...Option) (*Table, error) {
	loc, err := ptr.Current(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(ctx, store, loc)
	if err != nil {
		return nil, err
	}
	return New(name, meta, loc, store, ptr, opts...), nil
}

// Refresh returns a handle on the table's current metadata.
func (t *Table) Refresh(ctx context.Context) (*Table, error) {
	loc, err := t.pointer.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", t.name, err)
	}
	if loc == t.location {
		return t, nil
	}
	meta, err := ReadMetadata(ctx, t.store, loc)
	if err != nil {
		return nil, err
	}
	return t.with(meta, loc), nil
}

func (t *Table) with(meta *Metadata, loc string) *Table {
	c := *t
	c.meta = meta
	c.location = loc
	return &c
}

func (t *Table) Name() string               { return t.name }
func (t *Table) Metadata() *Metadata        { return t.meta }
func (t *Table) MetadataLocation() string   { return t.location }
func (t *Table) Location() string           { return t.meta.Location }
func (t *Table) Schema() *schema.Schema     { return t.meta.CurrentSchema() }
func (t *Table) Spec() *partition.Spec      { return t.meta.DefaultSpec() }
func (t *Table) Store() objstore.Store      { return t.store }
func (t *Table) Codec() codec.Codec         { return t.codec }
func (t *Table) CurrentSnapshot() *Snapshot { return t.meta.CurrentSnapshot() }

func (t *Table) SnapshotByID(id int64) (*Snapshot, error) { return t.meta.SnapshotByID(id) }

func (t *Table) SnapshotAsOf(ts time.Time) (*Snapshot, error) { return t.meta.SnapshotAsOf(ts) }

// Snapshots returns every retained snapshot in commit order.
func (t *Table) Snapshots() []Snapshot { return t.meta.Snapshots }

// History returns when each snapshot became current, oldest first.
func (t *Table) History() []SnapshotLogEntry { return t.meta.SnapshotLog }

func (t *Table) Properties() map[string]string { return maps.Clone(t.meta.Properties) }

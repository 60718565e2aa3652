// Package icetable is a table format engine: tables of immutable data files
// tracked by immutable snapshots, committed through an atomic swap in a
// catalog. Open wires an Engine from an object store and a catalog backend.
package icetable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/hadoop"
	"github.com/florinutz/icetable/codec"
	"github.com/florinutz/icetable/health"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/table"
)

// DefaultWarehousePath is where Open keeps tables when no object store is given.
const DefaultWarehousePath = "./warehouse"

// Option configures an Engine.
type Option func(*Engine)

// WithObjectStore sets the store holding table metadata and data.
func WithObjectStore(s objstore.Store) Option {
	return func(e *Engine) { e.objects = s }
}

// WithWarehousePath keeps tables in a directory on the local filesystem.
// Ignored when WithObjectStore is also given.
func WithWarehousePath(path string) Option {
	return func(e *Engine) { e.warehousePath = path }
}

// WithCatalogStore sets the catalog backend. Defaults to the hadoop backend
// on the object store.
func WithCatalogStore(s catalog.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer for catalog operations, commits and scans.
// Defaults to noop.
func WithTracer(tr trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tr }
}

// WithCodec sets the data file codec. Defaults to Parquet.
func WithCodec(c codec.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithHealthChecker registers the engine's catalog and object store probes
// on c. If not set, the engine uses its own checker.
func WithHealthChecker(c *health.Checker) Option {
	return func(e *Engine) { e.health = c }
}

// Engine is a catalog plus the convenience operations most callers need.
type Engine struct {
	*catalog.Catalog

	objects       objstore.Store
	warehousePath string
	store         catalog.Store
	codec         codec.Codec
	health        *health.Checker
	logger        *slog.Logger
	tracer        trace.Tracer
}

// Open wires an Engine. With no options it keeps tables under
// ./warehouse on the local filesystem with the hadoop catalog.
func Open(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{warehousePath: DefaultWarehousePath}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("icetable")
	}
	if e.health == nil {
		e.health = health.NewChecker()
	}
	if e.objects == nil {
		e.objects = objstore.NewFS(afero.NewOsFs(), e.warehousePath, e.logger)
	}
	if e.store == nil {
		e.store = hadoop.New(e.objects, hadoop.WithLogger(e.logger))
	}

	tableOpts := []table.Option{table.WithLogger(e.logger), table.WithTracer(e.tracer)}
	if e.codec != nil {
		tableOpts = append(tableOpts, table.WithCodec(e.codec))
	}
	e.Catalog = catalog.New(e.store, e.objects,
		catalog.WithLogger(e.logger),
		catalog.WithTracer(e.tracer),
		catalog.WithTableOptions(tableOpts...),
	)

	if err := e.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping %s catalog: %w", e.store.Name(), err)
	}
	e.health.RegisterProbe("catalog", e.Ping)
	e.health.RegisterProbe("objstore", e.pingObjects)

	e.logger.Debug("engine opened", "catalog", e.store.Name())
	return e, nil
}

// Health returns the checker holding the engine's probes.
func (e *Engine) Health() *health.Checker { return e.health }

func (e *Engine) pingObjects(ctx context.Context) error {
	_, err := e.objects.Get(ctx, "_health")
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	return err
}

// Append writes records as data files and commits them as one append
// snapshot. A lost commit race is returned as
// icetableerr.ConcurrentModificationError and is not retried; the data
// files written for it are removed. They are kept when the commit state is
// unknown (icetableerr.CommitStateUnknownError).
func (e *Engine) Append(ctx context.Context, id catalog.Identifier, records []schema.Record) (*table.Table, error) {
	t, err := e.LoadTable(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := t.WriteDataFiles(ctx, records)
	if err != nil {
		return nil, err
	}
	next, err := t.NewAppend().AppendFile(files...).Commit(ctx)
	if errors.Is(err, icetableerr.ErrCommitStateUnknown) {
		return nil, err
	}
	if err != nil {
		for _, f := range files {
			if derr := e.objects.Delete(context.WithoutCancel(ctx), f.Path); derr != nil {
				e.logger.Warn("remove uncommitted data file", "path", f.Path, "error", derr)
			}
		}
		return nil, err
	}
	return next, nil
}

// ReadAll returns every row of the table's current snapshot.
func (e *Engine) ReadAll(ctx context.Context, id catalog.Identifier) ([]schema.Record, error) {
	t, err := e.LoadTable(ctx, id)
	if err != nil {
		return nil, err
	}
	scan, err := t.NewScan()
	if err != nil {
		return nil, err
	}
	return scan.ToRecords(ctx)
}

// Close releases the catalog backend.
func (e *Engine) Close() error {
	return e.Catalog.Close()
}

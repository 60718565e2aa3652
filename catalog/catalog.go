// Package catalog maps table identifiers to their current metadata object
// and serializes commits through an atomic compare-and-swap on that mapping.
// The mapping itself lives in a pluggable Store; table metadata and data
// live in an object store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/table"
	"github.com/florinutz/icetable/tracing"
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithTracer sets the tracer for catalog operations. Defaults to noop.
func WithTracer(tr trace.Tracer) Option {
	return func(c *Catalog) { c.tracer = tr }
}

// WithTableOptions sets options passed to every table handle the catalog
// returns.
func WithTableOptions(opts ...table.Option) Option {
	return func(c *Catalog) { c.tableOpts = append(c.tableOpts, opts...) }
}

// Catalog composes a backend Store with the object store that holds table
// metadata and data.
type Catalog struct {
	store     Store
	objects   objstore.Store
	logger    *slog.Logger
	tracer    trace.Tracer
	tableOpts []table.Option
}

// New returns a catalog over store, keeping table files in objects.
func New(store Store, objects objstore.Store, opts ...Option) *Catalog {
	c := &Catalog{store: store, objects: objects}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catalog", "backend", store.Name())
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("icetable")
	}
	return c
}

// Store returns the backend.
func (c *Catalog) Store() Store { return c.store }

// Objects returns the object store holding table files.
func (c *Catalog) Objects() objstore.Store { return c.objects }

func (c *Catalog) observe(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "icetable.catalog."+op,
		trace.WithAttributes(
			tracing.CatalogBackendKey.String(c.store.Name()),
			tracing.CatalogTargetKey.String(target),
		))
	defer span.End()

	err := fn(ctx)
	metrics.CatalogOperations.WithLabelValues(c.store.Name(), op, metrics.Outcome(err)).Inc()
	tracing.Fail(span, err)
	return err
}

// CreateNamespace creates ns. An existing namespace is reported as
// icetableerr.AlreadyExistsError; callers decide whether that is fine.
func (c *Catalog) CreateNamespace(ctx context.Context, ns Namespace, props map[string]string) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	return c.observe(ctx, "create_namespace", ns.String(), func(ctx context.Context) error {
		if err := c.store.CreateNamespace(ctx, ns, props); err != nil {
			return err
		}
		c.logger.Info("created namespace", "namespace", ns.String())
		return nil
	})
}

// NamespaceProperties returns the properties ns was created with.
func (c *Catalog) NamespaceProperties(ctx context.Context, ns Namespace) (map[string]string, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	var props map[string]string
	err := c.observe(ctx, "namespace_properties", ns.String(), func(ctx context.Context) error {
		var err error
		props, err = c.store.NamespaceProperties(ctx, ns)
		return err
	})
	return props, err
}

// DropNamespace removes an empty namespace.
func (c *Catalog) DropNamespace(ctx context.Context, ns Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	return c.observe(ctx, "drop_namespace", ns.String(), func(ctx context.Context) error {
		if err := c.store.DropNamespace(ctx, ns); err != nil {
			return err
		}
		c.logger.Info("dropped namespace", "namespace", ns.String())
		return nil
	})
}

// ListNamespaces returns every namespace, sorted.
func (c *Catalog) ListNamespaces(ctx context.Context) ([]Namespace, error) {
	var out []Namespace
	err := c.observe(ctx, "list_namespaces", "", func(ctx context.Context) error {
		var err error
		out, err = c.store.ListNamespaces(ctx)
		return err
	})
	SortNamespaces(out)
	return out, err
}

// TableLocation returns the object-store prefix of a new table.
func TableLocation(id Identifier) string {
	return objstore.Join(append(append([]string{}, id.Namespace...), id.Name)...)
}

// CreateTable writes the first metadata version of an empty table and
// registers it. spec may be nil for an unpartitioned table.
func (c *Catalog) CreateTable(ctx context.Context, id Identifier, sc *schema.Schema, spec *partition.Spec, props map[string]string) (*table.Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	meta, err := table.NewMetadata(sc, spec, TableLocation(id), props)
	if err != nil {
		return nil, err
	}

	var loc string
	err = c.observe(ctx, "create_table", id.String(), func(ctx context.Context) error {
		if _, err := c.store.NamespaceProperties(ctx, id.Namespace); err != nil {
			return err
		}
		loc = table.MetadataLocation(meta.Location, 0)
		if err := table.WriteMetadata(ctx, c.objects, loc, meta); err != nil {
			return err
		}
		if err := c.store.CreateTable(ctx, id, loc); err != nil {
			if derr := c.objects.Delete(context.WithoutCancel(ctx), loc); derr != nil {
				c.logger.Warn("remove unregistered metadata", "metadata_location", loc, "error", derr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("created table", "table", id.String(), "metadata_location", loc, "table_uuid", meta.TableUUID)
	return table.New(id.String(), meta, loc, c.objects, c.pointer(id), c.tableOpts...), nil
}

// LoadTable returns a handle on the table's current metadata.
func (c *Catalog) LoadTable(ctx context.Context, id Identifier) (*table.Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var t *table.Table
	err := c.observe(ctx, "load_table", id.String(), func(ctx context.Context) error {
		var err error
		t, err = table.Load(ctx, id.String(), c.objects, c.pointer(id), c.tableOpts...)
		if errors.Is(err, icetableerr.ErrCorruptMetadata) {
			c.logger.Error("table metadata is corrupt", "table", id.String(), "error", err)
		}
		return err
	})
	return t, err
}

// TableExists reports whether id is registered.
func (c *Catalog) TableExists(ctx context.Context, id Identifier) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	_, err := c.store.LoadTable(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, icetableerr.ErrNotFound):
		return false, nil
	}
	return false, err
}

// CommitTable atomically moves id from expected to next.
func (c *Catalog) CommitTable(ctx context.Context, id Identifier, expected, next string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return c.observe(ctx, "commit_table", id.String(), func(ctx context.Context) error {
		return c.store.SwapTable(ctx, id, expected, next)
	})
}

// DropTable unregisters id. With purge it also deletes every object under
// the table's location.
func (c *Catalog) DropTable(ctx context.Context, id Identifier, purge bool) error {
	if err := id.Validate(); err != nil {
		return err
	}
	var location string
	if purge {
		t, err := c.LoadTable(ctx, id)
		if err != nil {
			return err
		}
		location = t.Location()
	}
	err := c.observe(ctx, "drop_table", id.String(), func(ctx context.Context) error {
		return c.store.DropTable(ctx, id)
	})
	if err != nil {
		return err
	}
	c.logger.Info("dropped table", "table", id.String(), "purge", purge)
	if !purge {
		return nil
	}
	return c.purge(ctx, location)
}

func (c *Catalog) purge(ctx context.Context, location string) error {
	prefix := strings.TrimSuffix(location, "/") + "/"
	var n int
	for key, err := range c.objects.List(ctx, prefix) {
		if err != nil {
			return fmt.Errorf("purge %s: %w", location, err)
		}
		if err := c.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
		n++
	}
	metrics.GCObjectsDeleted.WithLabelValues("purge").Add(float64(n))
	c.logger.Info("purged table files", "location", location, "objects", n)
	return nil
}

// ListTables returns the tables in ns, sorted by name.
func (c *Catalog) ListTables(ctx context.Context, ns Namespace) ([]Identifier, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	var out []Identifier
	err := c.observe(ctx, "list_tables", ns.String(), func(ctx context.Context) error {
		var err error
		out, err = c.store.ListTables(ctx, ns)
		return err
	})
	SortIdentifiers(out)
	return out, err
}

func (c *Catalog) Ping(ctx context.Context) error { return c.store.Ping(ctx) }

func (c *Catalog) Close() error { return c.store.Close() }

func (c *Catalog) pointer(id Identifier) table.Pointer {
	return &pointer{catalog: c, id: id}
}

// pointer adapts one catalog entry to table.Pointer.
type pointer struct {
	catalog *Catalog
	id      Identifier
}

func (p *pointer) Current(ctx context.Context) (string, error) {
	return p.catalog.store.LoadTable(ctx, p.id)
}

func (p *pointer) Swap(ctx context.Context, expected, next string) error {
	return p.catalog.CommitTable(ctx, p.id, expected, next)
}

// CloneProperties copies props, returning an empty map for nil. Backends
// use it so callers never share maps with the store.
func CloneProperties(props map[string]string) map[string]string {
	if props == nil {
		return map[string]string{}
	}
	return maps.Clone(props)
}

package table_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/table"
)

// memPointer is an in-memory catalog pointer with compare-and-swap.
type memPointer struct {
	mu  sync.Mutex
	loc string
}

func (p *memPointer) Current(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loc, nil
}

func (p *memPointer) Swap(_ context.Context, expected, next string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loc != expected {
		return &icetableerr.ConcurrentModificationError{Table: "test", Expected: expected, Actual: p.loc}
	}
	p.loc = next
	return nil
}

// lostAckPointer moves the pointer and then reports a timeout, the way a
// backend reply lost after the write looks to the caller.
type lostAckPointer struct {
	*memPointer
}

func (p *lostAckPointer) Swap(ctx context.Context, expected, next string) error {
	if err := p.memPointer.Swap(ctx, expected, next); err != nil {
		return err
	}
	return context.DeadlineExceeded
}

type fixture struct {
	store objstore.Store
	ptr   *memPointer
	table *table.Table
}

func newFixture(t *testing.T, sc *schema.Schema, spec *partition.Spec) *fixture {
	t.Helper()
	ctx := context.Background()
	store := objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)
	meta, err := table.NewMetadata(sc, spec, "webapp/tbl", nil)
	if err != nil {
		t.Fatalf("new metadata: %v", err)
	}
	loc := table.MetadataLocation(meta.Location, 0)
	if err := table.WriteMetadata(ctx, store, loc, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	ptr := &memPointer{loc: loc}
	return &fixture{store: store, ptr: ptr, table: table.New("webapp.tbl", meta, loc, store, ptr)}
}

func (f *fixture) load(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.Load(context.Background(), "webapp.tbl", f.store, f.ptr)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return tbl
}

func userEventsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.NewBuilder().
		Optional("event_id", schema.String).
		Optional("username", schema.String).
		Optional("userid", schema.Int).
		Optional("api_version", schema.String).
		Optional("command", schema.String).
		Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return sc
}

func userEvents() []schema.Record {
	return []schema.Record{
		{"event_id": "e1", "username": "Bruce", "userid": 1, "api_version": "1.0", "command": "grapple"},
		{"event_id": "e2", "username": "Wayne", "userid": 1, "api_version": "1.0", "command": "glide"},
		{"event_id": "e3", "username": "Clark", "userid": 1, "api_version": "2.0", "command": "fly"},
		{"event_id": "e4", "username": "Kent", "userid": 1, "api_version": "1.0", "command": "land"},
	}
}

func logsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.NewBuilder().
		Required("level", schema.String).
		Required("event_time", schema.TimestampTz).
		Required("message", schema.String).
		Optional("call_stack", &schema.ListType{Element: schema.String, ElementRequired: true}).
		Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return sc
}

func hourlySpec(t *testing.T, sc *schema.Schema) *partition.Spec {
	t.Helper()
	spec, err := partition.NewBuilder(sc).Hour("event_time").Build()
	if err != nil {
		t.Fatalf("build spec: %v", err)
	}
	return spec
}

func logLine(level string, ts time.Time, msg string) schema.Record {
	return schema.Record{"level": level, "event_time": ts, "message": msg}
}

// appendRecords writes records and commits them in one append.
func appendRecords(t *testing.T, tbl *table.Table, recs []schema.Record) (*table.Table, []manifest.DataFile) {
	t.Helper()
	ctx := context.Background()
	files, err := tbl.WriteDataFiles(ctx, recs)
	if err != nil {
		t.Fatalf("write data files: %v", err)
	}
	next, err := tbl.NewAppend().AppendFile(files...).Commit(ctx)
	if err != nil {
		t.Fatalf("commit append: %v", err)
	}
	return next, files
}

func scanAll(t *testing.T, tbl *table.Table, opts ...table.ScanOption) []schema.Record {
	t.Helper()
	scan, err := tbl.NewScan(opts...)
	if err != nil {
		t.Fatalf("new scan: %v", err)
	}
	rows, err := scan.ToRecords(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return rows
}

func exists(t *testing.T, store objstore.Store, key string) bool {
	t.Helper()
	_, err := store.Get(context.Background(), key)
	return err == nil
}

func listKeys(t *testing.T, store objstore.Store, prefix string) []string {
	t.Helper()
	var keys []string
	for key, err := range store.List(context.Background(), prefix) {
		if err != nil {
			t.Fatalf("list %s: %v", prefix, err)
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

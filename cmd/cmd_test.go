package cmd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/hadoop"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/internal/backoff"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/testutil"
)

// resetFlags puts every flag back to its default so one Execute does not
// leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, warehouse string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--warehouse", warehouse, "--catalog", "hadoop"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, warehouse string, args ...string) string {
	t.Helper()
	out, err := execute(t, warehouse, args...)
	if err != nil {
		t.Fatalf("icetable %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestParseColumnFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    columnDefinition
		wantErr bool
	}{
		{"username:string", columnDefinition{Name: "username", Type: "string"}, false},
		{"userid:int!", columnDefinition{Name: "userid", Type: "int", Required: true}, false},
		{"tags: list<string>", columnDefinition{Name: "tags", Type: "list<string>"}, false},
		{"owner:struct<name: string, team: string>", columnDefinition{Name: "owner", Type: "struct<name: string, team: string>"}, false},
		{"username", columnDefinition{}, true},
		{":string", columnDefinition{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseColumnFlag(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWarehouseLocation(t *testing.T) {
	tests := []struct {
		cfg  config.WarehouseConfig
		want string
	}{
		{config.WarehouseConfig{Path: "/var/lib/icetable"}, "file:///var/lib/icetable"},
		{config.WarehouseConfig{Type: "fs", Path: "warehouse"}, "file://warehouse"},
		{config.WarehouseConfig{Type: "s3", S3: config.S3WarehouseConfig{Bucket: "lake"}}, "s3://lake"},
		{config.WarehouseConfig{Type: "s3", S3: config.S3WarehouseConfig{Bucket: "lake", Prefix: "prod/"}}, "s3://lake/prod"},
	}
	for _, tt := range tests {
		if got := warehouseLocation(tt.cfg); got != tt.want {
			t.Errorf("warehouseLocation(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestTableDefinition(t *testing.T) {
	def, err := parseDefinition([]byte(`
columns:
  - {name: level, type: string, required: true}
  - {name: event_time, type: timestamptz, required: true}
  - {name: message, type: string, required: true}
  - {name: call_stack, type: list<string>}
partition:
  - hour(event_time)
properties:
  owner: web-team
`))
	if err != nil {
		t.Fatal(err)
	}
	sc, spec, err := def.build()
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(sc.Names(), ","); got != "level,event_time,message,call_stack" {
		t.Errorf("columns = %s", got)
	}
	if c, _ := sc.FindColumn("event_time"); !c.Required || c.Type != schema.TimestampTz {
		t.Errorf("event_time = %+v", c)
	}
	if len(spec.Fields) != 1 || spec.Fields[0].Name != "event_time_hour" {
		t.Errorf("spec = %+v", spec.Fields)
	}
	if def.Properties["owner"] != "web-team" {
		t.Errorf("properties = %v", def.Properties)
	}

	for name, doc := range map[string]string{
		"no columns":          "partition: [level]\n",
		"unknown type":        "columns: [{name: a, type: decimal}]\n",
		"bad partition":       "columns: [{name: a, type: string}]\npartition: [hour(a)]\n",
		"unknown part column": "columns: [{name: a, type: string}]\npartition: [b]\n",
	} {
		t.Run(name, func(t *testing.T) {
			def, err := parseDefinition([]byte(doc))
			if err == nil {
				_, _, err = def.build()
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestReadRecords(t *testing.T) {
	in := `{"username": "Bruce", "userid": 1}

{"username": "Clark", "userid": 12345678901}
`
	recs, err := readRecords(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[1]["userid"].(interface{ String() string }).String() != "12345678901" {
		t.Errorf("userid lost precision: %v", recs[1]["userid"])
	}

	_, err = readRecords(strings.NewReader("{\"a\": 1}\n{oops\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v, want line 2 error", err)
	}
}

// conflictingStore makes the first n pointer swaps lose the race. The next
// lostAcks swaps land but report a timeout.
type conflictingStore struct {
	catalog.Store
	n        int
	lostAcks int
}

func (s *conflictingStore) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	if s.n > 0 {
		s.n--
		return catalog.Conflict(id, expected, "metadata/elsewhere.json")
	}
	if err := s.Store.SwapTable(ctx, id, expected, next); err != nil {
		return err
	}
	if s.lostAcks > 0 {
		s.lostAcks--
		return context.DeadlineExceeded
	}
	return nil
}

func openTestEngine(t *testing.T, conflicts int) (*icetable.Engine, *conflictingStore, catalog.Identifier) {
	t.Helper()
	ctx := context.Background()
	objects := objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)
	store := &conflictingStore{Store: hadoop.New(objects)}
	e, err := icetable.Open(ctx, icetable.WithObjectStore(objects), icetable.WithCatalogStore(store))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })

	ns := catalog.Namespace{"webapp"}
	if err := e.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatal(err)
	}
	sc, err := schema.NewBuilder().Optional("username", schema.String).Optional("userid", schema.Int).Build()
	if err != nil {
		t.Fatal(err)
	}
	id := catalog.NewIdentifier(ns, "user_events")
	if _, err := e.CreateTable(ctx, id, sc, nil, nil); err != nil {
		t.Fatal(err)
	}
	store.n = conflicts
	return e, store, id
}

var testPolicy = backoff.Policy{MaxRetries: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond}

func TestAppendWithRetry(t *testing.T) {
	rows := []schema.Record{{"username": "Bruce", "userid": 1}, {"username": "Clark", "userid": 2}}

	t.Run("recovers from lost races", func(t *testing.T) {
		logs := testutil.NewLineCapture()
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
		t.Cleanup(func() { slog.SetDefault(prev) })

		e, store, id := openTestEngine(t, 2)
		tbl, err := appendWithRetry(context.Background(), e, id, rows, testPolicy)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if store.n != 0 {
			t.Errorf("conflicts left = %d", store.n)
		}
		if got := tbl.CurrentSnapshot().Summary.Int("added-records"); got != 2 {
			t.Errorf("added-records = %d, want 2", got)
		}
		if !logs.Contains("attempt=2") {
			t.Errorf("retries not logged: %q", logs.All())
		}
	})

	t.Run("gives up and removes its files", func(t *testing.T) {
		e, _, id := openTestEngine(t, 3)
		_, err := appendWithRetry(context.Background(), e, id, rows, testPolicy)
		if !errors.Is(err, icetableerr.ErrConcurrentModification) {
			t.Fatalf("err = %v, want ErrConcurrentModification", err)
		}
		for key, err := range e.Objects().List(context.Background(), "webapp/user_events/data") {
			if err != nil {
				t.Fatal(err)
			}
			t.Errorf("data file left behind: %s", key)
		}
	})

	t.Run("keeps files when the outcome is unknown", func(t *testing.T) {
		e, store, id := openTestEngine(t, 0)
		store.lostAcks = 1
		_, err := appendWithRetry(context.Background(), e, id, rows, testPolicy)
		if !errors.Is(err, icetableerr.ErrCommitStateUnknown) {
			t.Fatalf("err = %v, want ErrCommitStateUnknown", err)
		}
		got, err := e.ReadAll(context.Background(), id)
		if err != nil {
			t.Fatalf("read after unknown commit: %v", err)
		}
		if len(got) != len(rows) {
			t.Errorf("rows = %d, want %d", len(got), len(rows))
		}
	})
}

func TestDemoIsRepeatable(t *testing.T) {
	e, _, _ := openTestEngine(t, 0)
	ctx := context.Background()
	cfg := config.Default()
	cfg.Commit.BackoffBase, cfg.Commit.BackoffCap = time.Millisecond, time.Millisecond

	var out bytes.Buffer
	if err := demo(ctx, &out, e, catalog.Namespace{"webapp"}, cfg); err != nil {
		t.Fatalf("first run: %v", err)
	}
	for _, want := range []string{"snapshot 1", "logs", "user_events", "Bruce", "Kent"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := demo(ctx, &out, e, catalog.Namespace{"webapp"}, cfg); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(out.String(), "snapshot 2") {
		t.Errorf("second run output:\n%s", out.String())
	}
}

func TestCLI(t *testing.T) {
	wh := t.TempDir()
	rows := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(rows, []byte(`{"username": "Bruce", "userid": 1, "command": "grapple"}
{"username": "Clark", "userid": 2, "command": "fly"}
`), 0o644); err != nil {
		t.Fatal(err)
	}

	mustExecute(t, wh, "namespace", "create", "webapp")
	if _, err := execute(t, wh, "namespace", "create", "webapp"); !errors.Is(err, icetableerr.ErrAlreadyExists) {
		t.Errorf("second create: err = %v", err)
	}
	mustExecute(t, wh, "table", "create", "webapp.user_events",
		"--column", "username:string", "--column", "userid:int!", "--column", "command:string",
		"--partition", "identity(userid)")

	out := mustExecute(t, wh, "append", "webapp.user_events", rows)
	if !strings.Contains(out, "appended 2 rows in 2 files") {
		t.Errorf("append output: %s", out)
	}
	mustExecute(t, wh, "append", "webapp.user_events", rows)

	out = mustExecute(t, wh, "scan", "webapp.user_events", "--filter", "userid == 2", "--columns", "username,command", "--format", "table")
	if strings.Count(out, "Clark") != 2 || strings.Contains(out, "Bruce") {
		t.Errorf("filtered scan:\n%s", out)
	}
	out = mustExecute(t, wh, "scan", "webapp.user_events", "--snapshot", "1")
	if n := strings.Count(out, "\n"); n != 2 {
		t.Errorf("snapshot 1 has %d rows, want 2:\n%s", n, out)
	}

	out = mustExecute(t, wh, "table", "list", "webapp")
	if !strings.Contains(out, "webapp.user_events") || !strings.Contains(out, "4") {
		t.Errorf("table list:\n%s", out)
	}

	mustExecute(t, wh, "compact", "webapp.user_events")
	mustExecute(t, wh, "rollback", "webapp.user_events", "2")
	out = mustExecute(t, wh, "snapshots", "webapp.user_events")
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 4 {
		t.Errorf("snapshots:\n%s", out)
	}
	if _, err := execute(t, wh, "rollback", "webapp.user_events", "3"); !errors.Is(err, icetableerr.ErrNotFound) {
		t.Errorf("rollback to a non-ancestor: err = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	out = mustExecute(t, wh, "expire", "webapp.user_events", "--retain-last", "1")
	if !strings.Contains(out, "expired 2 snapshots") {
		t.Errorf("expire output: %s", out)
	}

	mustExecute(t, wh, "table", "alter", "webapp.user_events", "--add-column", "api_version:string", "--rename-column", "command=action")
	out = mustExecute(t, wh, "table", "describe", "webapp.user_events")
	for _, want := range []string{"api_version", "action", "identity(userid)", "Schema (id 1)"} {
		if !strings.Contains(out, want) {
			t.Errorf("describe missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, wh, "namespace", "drop", "webapp"); !errors.Is(err, icetableerr.ErrNamespaceNotEmpty) {
		t.Errorf("drop non-empty namespace: err = %v", err)
	}
	mustExecute(t, wh, "table", "drop", "webapp.user_events", "--purge")
	mustExecute(t, wh, "namespace", "drop", "webapp")
	out = mustExecute(t, wh, "namespace", "list")
	if strings.Contains(out, "webapp") {
		t.Errorf("namespace list after drop:\n%s", out)
	}
}

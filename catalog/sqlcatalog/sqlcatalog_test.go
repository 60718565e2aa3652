package sqlcatalog_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/catalogtest"
	"github.com/florinutz/icetable/catalog/sqlcatalog"
)

func openSQLite(t *testing.T, path string) *sqlcatalog.Store {
	t.Helper()
	s, err := sqlcatalog.Open(context.Background(), sqlcatalog.SQLite, path)
	if err != nil {
		t.Fatalf("open sqlite catalog: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	catalogtest.RunStoreTests(t, func(t *testing.T) catalog.Store {
		return openSQLite(t, filepath.Join(t.TempDir(), "catalog.db"))
	})
}

func TestSQLiteStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	id := catalog.NewIdentifier(catalog.Namespace{"webapp"}, "logs")

	s := openSQLite(t, path)
	if err := s.CreateNamespace(ctx, id.Namespace, map[string]string{"owner": "ops"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SwapTable(ctx, id, "m0", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openSQLite(t, path)
	loc, err := reopened.LoadTable(ctx, id)
	if err != nil || loc != "m1" {
		t.Errorf("LoadTable = %q, %v; want m1", loc, err)
	}
	props, err := reopened.NamespaceProperties(ctx, id.Namespace)
	if err != nil || props["owner"] != "ops" {
		t.Errorf("properties = %v, %v", props, err)
	}
}

func TestOpenUnknownDialect(t *testing.T) {
	if _, err := sqlcatalog.Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

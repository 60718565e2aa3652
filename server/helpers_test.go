package server

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/hadoop"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/schema"
)

var userEvents = []schema.Record{
	{"username": "Bruce", "userid": 1, "command": "grapple"},
	{"username": "Wayne", "userid": 1, "command": "glide"},
}

// newCatalog returns an in-memory catalog holding webapp.user_events with
// the given number of appended snapshots.
func newCatalog(t *testing.T, appends int) *catalog.Catalog {
	t.Helper()
	ctx := context.Background()
	objects := objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)
	cat := catalog.New(hadoop.New(objects), objects)

	ns := catalog.Namespace{"webapp"}
	if err := cat.CreateNamespace(ctx, ns, map[string]string{"owner": "webapp-team"}); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	sc, err := schema.NewBuilder().
		Optional("username", schema.String).
		Optional("userid", schema.Int).
		Optional("command", schema.String).
		Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	tbl, err := cat.CreateTable(ctx, catalog.NewIdentifier(ns, "user_events"), sc, nil, nil)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	for range appends {
		files, err := tbl.WriteDataFiles(ctx, userEvents)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if tbl, err = tbl.NewAppend().AppendFile(files...).Commit(ctx); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return cat
}

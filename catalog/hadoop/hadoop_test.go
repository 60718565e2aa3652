package hadoop_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/catalogtest"
	"github.com/florinutz/icetable/catalog/hadoop"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/objstore"
)

func TestStoreConformance(t *testing.T) {
	catalogtest.RunStoreTests(t, func(t *testing.T) catalog.Store {
		return hadoop.New(objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil))
	})
}

func TestLookupSurvivesStaleHint(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)
	s := hadoop.New(objects)

	ns := catalog.Namespace{"webapp"}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatal(err)
	}
	for _, step := range [][2]string{{"m0", "m1"}, {"m1", "m2"}, {"m2", "m3"}} {
		if err := s.SwapTable(ctx, id, step[0], step[1]); err != nil {
			t.Fatalf("swap %s->%s: %v", step[0], step[1], err)
		}
	}

	tests := []struct {
		name string
		hint string
	}{
		{"behind", "1"},
		{"garbage", "not-a-number"},
		{"ahead of pointers", "99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := objects.Put(ctx, "_catalog/tables/webapp/logs/version-hint", []byte(tt.hint)); err != nil {
				t.Fatal(err)
			}
			loc, err := s.LoadTable(ctx, id)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loc != "m3" {
				t.Errorf("location = %q, want m3", loc)
			}
		})
	}

	if err := objects.Delete(ctx, "_catalog/tables/webapp/logs/version-hint"); err != nil {
		t.Fatal(err)
	}
	if err := s.SwapTable(ctx, id, "m3", "m4"); err != nil {
		t.Fatalf("swap without hint: %v", err)
	}
	if loc, _ := s.LoadTable(ctx, id); loc != "m4" {
		t.Errorf("location = %q, want m4", loc)
	}
}

func TestPointersAreVersioned(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)
	s := hadoop.New(objects, hadoop.WithPrefix("meta"))

	ns := catalog.Namespace{"webapp"}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SwapTable(ctx, id, "m0", "m1"); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"meta/namespaces/webapp.json", "meta/tables/webapp/logs/v1.pointer", "meta/tables/webapp/logs/v2.pointer"} {
		if _, err := objects.Get(ctx, key); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

// hookStore runs before once, right ahead of the next create-only put.
type hookStore struct {
	objstore.Store
	before func(key string)
}

func (h *hookStore) ConditionalPut(ctx context.Context, key, expectedVersion string, data []byte) (string, error) {
	if f := h.before; f != nil {
		h.before = nil
		f(key)
	}
	return h.Store.ConditionalPut(ctx, key, expectedVersion, data)
}

func TestDropBetweenSwapReadAndWrite(t *testing.T) {
	ctx := context.Background()
	objects := &hookStore{Store: objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil)}
	s := hadoop.New(objects)

	ns := catalog.Namespace{"webapp"}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SwapTable(ctx, id, "m0", "m1"); err != nil {
		t.Fatal(err)
	}

	// The swap has read v2 as current; the drop completes before it
	// creates v3.
	var dropKey string
	objects.before = func(key string) {
		dropKey = key
		if err := s.DropTable(ctx, id); err != nil {
			t.Errorf("drop: %v", err)
		}
	}
	err := s.SwapTable(ctx, id, "m1", "m2")
	if !errors.Is(err, icetableerr.ErrConcurrentModification) {
		t.Fatalf("swap err = %v, want ErrConcurrentModification", err)
	}
	if dropKey != "_catalog/tables/webapp/logs/v3.pointer" {
		t.Errorf("hook fired for %q", dropKey)
	}

	if _, err := s.LoadTable(ctx, id); !errors.Is(err, icetableerr.ErrNotFound) {
		t.Errorf("load err = %v, want ErrNotFound", err)
	}
	if ids, err := s.ListTables(ctx, ns); err != nil || len(ids) != 0 {
		t.Errorf("tables = %v (%v), want none", ids, err)
	}
	for _, key := range []string{"_catalog/tables/webapp/logs/v1.pointer", "_catalog/tables/webapp/logs/v2.pointer"} {
		if _, err := objects.Get(ctx, key); !errors.Is(err, objstore.ErrNotFound) {
			t.Errorf("%s still present after drop (%v)", key, err)
		}
	}

	// Recreating the name continues after the tombstone.
	if err := s.CreateTable(ctx, id, "n0"); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if _, err := objects.Get(ctx, "_catalog/tables/webapp/logs/v4.pointer"); err != nil {
		t.Errorf("recreated pointer: %v", err)
	}
	if loc, err := s.LoadTable(ctx, id); err != nil || loc != "n0" {
		t.Errorf("location = %q (%v), want n0", loc, err)
	}
}

// Package catalogtest is a conformance suite for catalog.Store backends.
package catalogtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/icetableerr"
)

// RunStoreTests runs the suite. newStore is called once per subtest; it may
// return a store shared with other subtests, since every subtest works in
// its own namespaces.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) catalog.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s catalog.Store, ns catalog.Namespace)
	}{
		{"namespaces", testNamespaces},
		{"nested namespaces", testNestedNamespaces},
		{"tables", testTables},
		{"create table requires namespace", testCreateTableMissingNamespace},
		{"drop non-empty namespace", testDropNonEmptyNamespace},
		{"swap", testSwap},
		{"concurrent swap has one winner", testConcurrentSwap},
		{"dropped table stays dropped", testDropStaysDropped},
		{"drop racing swaps", testDropRacesSwaps},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ns := catalog.Namespace{fmt.Sprintf("conf_%s_%d", sanitize(t.Name()), i)}
			tt.fn(t, s, ns)
		})
	}
}

func sanitize(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, name[:min(len(name), 24)])
}

func wantErr(t *testing.T, op string, err, sentinel error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("%s: err = %v, want %v", op, err, sentinel)
	}
}

func testNamespaces(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	props := map[string]string{"owner": "webapp-team"}

	if err := s.CreateNamespace(ctx, ns, props); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	wantErr(t, "create namespace twice", s.CreateNamespace(ctx, ns, nil), icetableerr.ErrAlreadyExists)

	got, err := s.NamespaceProperties(ctx, ns)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if got["owner"] != "webapp-team" {
		t.Errorf("properties = %v", got)
	}

	all, err := s.ListNamespaces(ctx)
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	if !slices.ContainsFunc(all, ns.Equal) {
		t.Errorf("list namespaces = %v, missing %s", all, ns)
	}

	if err := s.DropNamespace(ctx, ns); err != nil {
		t.Fatalf("drop namespace: %v", err)
	}
	wantErr(t, "drop namespace twice", s.DropNamespace(ctx, ns), icetableerr.ErrNamespaceNotFound)
	_, err = s.NamespaceProperties(ctx, ns)
	wantErr(t, "properties of dropped namespace", err, icetableerr.ErrNamespaceNotFound)
}

func testNestedNamespaces(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	child := append(slices.Clone(ns), "raw")

	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := s.CreateNamespace(ctx, child, nil); err != nil {
		t.Fatalf("create child: %v", err)
	}
	id := catalog.NewIdentifier(child, "events")
	if err := s.CreateTable(ctx, id, "loc/0"); err != nil {
		t.Fatalf("create table in child: %v", err)
	}

	parentTables, err := s.ListTables(ctx, ns)
	if err != nil {
		t.Fatalf("list parent tables: %v", err)
	}
	if len(parentTables) != 0 {
		t.Errorf("parent tables = %v, want none", parentTables)
	}
	childTables, err := s.ListTables(ctx, child)
	if err != nil {
		t.Fatalf("list child tables: %v", err)
	}
	if len(childTables) != 1 || childTables[0].String() != id.String() {
		t.Errorf("child tables = %v, want [%s]", childTables, id)
	}
}

func testTables(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	logs := catalog.NewIdentifier(ns, "logs")
	events := catalog.NewIdentifier(ns, "user_events")

	if err := s.CreateTable(ctx, logs, "logs/metadata/00000.json"); err != nil {
		t.Fatalf("create logs: %v", err)
	}
	if err := s.CreateTable(ctx, events, "events/metadata/00000.json"); err != nil {
		t.Fatalf("create events: %v", err)
	}
	wantErr(t, "create table twice", s.CreateTable(ctx, logs, "other"), icetableerr.ErrAlreadyExists)

	loc, err := s.LoadTable(ctx, logs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loc != "logs/metadata/00000.json" {
		t.Errorf("location = %q", loc)
	}

	ids, err := s.ListTables(ctx, ns)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	catalog.SortIdentifiers(ids)
	var names []string
	for _, id := range ids {
		names = append(names, id.Name)
	}
	if !slices.Equal(names, []string{"logs", "user_events"}) {
		t.Errorf("tables = %v", names)
	}

	if err := s.DropTable(ctx, logs); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_, err = s.LoadTable(ctx, logs)
	wantErr(t, "load dropped table", err, icetableerr.ErrNotFound)
	wantErr(t, "drop twice", s.DropTable(ctx, logs), icetableerr.ErrNotFound)

	_, err = s.LoadTable(ctx, catalog.NewIdentifier(ns, "never_created"))
	wantErr(t, "load missing table", err, icetableerr.ErrNotFound)
}

func testCreateTableMissingNamespace(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	err := s.CreateTable(ctx, catalog.NewIdentifier(ns, "logs"), "loc")
	wantErr(t, "create table", err, icetableerr.ErrNamespaceNotFound)
	_, err = s.ListTables(ctx, ns)
	wantErr(t, "list tables", err, icetableerr.ErrNamespaceNotFound)
}

func testDropNonEmptyNamespace(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateTable(ctx, id, "loc"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	wantErr(t, "drop namespace", s.DropNamespace(ctx, ns), icetableerr.ErrNamespaceNotEmpty)

	if err := s.DropTable(ctx, id); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if err := s.DropNamespace(ctx, ns); err != nil {
		t.Fatalf("drop emptied namespace: %v", err)
	}
}

func testSwap(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateTable(ctx, id, "v0"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := s.SwapTable(ctx, id, "v0", "v1"); err != nil {
		t.Fatalf("swap v0->v1: %v", err)
	}
	wantErr(t, "stale swap", s.SwapTable(ctx, id, "v0", "v2"), icetableerr.ErrConcurrentModification)
	if loc, _ := s.LoadTable(ctx, id); loc != "v1" {
		t.Errorf("location after stale swap = %q, want v1", loc)
	}
	if err := s.SwapTable(ctx, id, "v1", "v2"); err != nil {
		t.Fatalf("swap v1->v2: %v", err)
	}
	if loc, _ := s.LoadTable(ctx, id); loc != "v2" {
		t.Errorf("location = %q, want v2", loc)
	}

	missing := catalog.NewIdentifier(ns, "missing")
	wantErr(t, "swap missing table", s.SwapTable(ctx, missing, "v0", "v1"), icetableerr.ErrNotFound)
}

func testConcurrentSwap(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateTable(ctx, id, "base"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	const writers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner string
		wins   int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := fmt.Sprintf("writer-%d", i)
			err := s.SwapTable(ctx, id, "base", next)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				winner = next
				mu.Unlock()
			case !errors.Is(err, icetableerr.ErrConcurrentModification):
				t.Errorf("writer %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if loc, err := s.LoadTable(ctx, id); err != nil || loc != winner {
		t.Errorf("location = %q (%v), want %q", loc, err, winner)
	}
}

func testDropStaysDropped(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := s.SwapTable(ctx, id, "m0", "m1"); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := s.DropTable(ctx, id); err != nil {
		t.Fatalf("drop: %v", err)
	}

	if err := s.SwapTable(ctx, id, "m1", "m2"); err == nil {
		t.Fatal("swap on a dropped table succeeded")
	}
	_, err := s.LoadTable(ctx, id)
	wantErr(t, "load dropped table", err, icetableerr.ErrNotFound)
	if ids, err := s.ListTables(ctx, ns); err != nil || len(ids) != 0 {
		t.Fatalf("tables after drop = %v (%v), want none", ids, err)
	}

	// The name can be reused.
	if err := s.CreateTable(ctx, id, "n0"); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if err := s.SwapTable(ctx, id, "n0", "n1"); err != nil {
		t.Fatalf("swap recreated table: %v", err)
	}
	if loc, err := s.LoadTable(ctx, id); err != nil || loc != "n1" {
		t.Errorf("location = %q (%v), want n1", loc, err)
	}
}

func testDropRacesSwaps(t *testing.T, s catalog.Store, ns catalog.Namespace) {
	ctx := context.Background()
	if err := s.CreateNamespace(ctx, ns, nil); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	id := catalog.NewIdentifier(ns, "logs")
	if err := s.CreateTable(ctx, id, "m0"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	const writers = 4
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				loc, err := s.LoadTable(ctx, id)
				if errors.Is(err, icetableerr.ErrNotFound) {
					return
				}
				if err != nil {
					t.Errorf("writer %d: load: %v", i, err)
					return
				}
				// Losing to another writer or to the drop is expected.
				_ = s.SwapTable(ctx, id, loc, fmt.Sprintf("w%d-%d", i, j))
			}
		}()
	}
	if err := s.DropTable(ctx, id); err != nil {
		t.Errorf("drop: %v", err)
	}
	wg.Wait()

	_, err := s.LoadTable(ctx, id)
	wantErr(t, "load after drop and swaps", err, icetableerr.ErrNotFound)
}

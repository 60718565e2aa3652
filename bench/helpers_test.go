package bench

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

var eventsID = catalog.NewIdentifier(catalog.Namespace{"bench"}, "events")

// openEngine opens an engine on an in-memory warehouse. store may be nil
// for the hadoop catalog on the same warehouse.
func openEngine(tb testing.TB, store catalog.Store) *icetable.Engine {
	tb.Helper()
	opts := []icetable.Option{icetable.WithObjectStore(objstore.NewFS(afero.NewMemMapFs(), "/warehouse", nil))}
	if store != nil {
		opts = append(opts, icetable.WithCatalogStore(store))
	}
	e, err := icetable.Open(context.Background(), opts...)
	if err != nil {
		tb.Fatalf("open: %v", err)
	}
	tb.Cleanup(func() { e.Close() })
	return e
}

// createEvents creates bench.events, partitioned by day(event_time) and
// bucket[4](userid).
func createEvents(tb testing.TB, e *icetable.Engine) {
	tb.Helper()
	ctx := context.Background()
	if err := e.CreateNamespace(ctx, eventsID.Namespace, nil); err != nil {
		tb.Fatal(err)
	}
	sc, err := schema.NewBuilder().
		Required("event_time", schema.TimestampTz).
		Required("userid", schema.Long).
		Optional("command", schema.String).
		Optional("payload", schema.String).
		Build()
	if err != nil {
		tb.Fatal(err)
	}
	spec, err := partition.NewBuilder(sc).Day("event_time").Bucket("userid", 4).Build()
	if err != nil {
		tb.Fatal(err)
	}
	if _, err := e.CreateTable(ctx, eventsID, sc, spec, nil); err != nil {
		tb.Fatal(err)
	}
}

func genRecords(n int) []schema.Record {
	base := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	recs := make([]schema.Record, n)
	for i := range recs {
		recs[i] = schema.Record{
			"event_time": base.Add(time.Duration(i) * time.Minute),
			"userid":     int64(i % 97),
			"command":    fmt.Sprintf("cmd-%d", i%7),
			"payload":    fmt.Sprintf(`{"seq":%d,"note":"benchmark row"}`, i),
		}
	}
	return recs
}

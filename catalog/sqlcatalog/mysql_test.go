//go:build integration

package sqlcatalog_test

import (
	"context"
	"sync"
	"testing"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/catalogtest"
	"github.com/florinutz/icetable/catalog/sqlcatalog"
	"github.com/florinutz/icetable/testutil"
)

func TestMySQLConformance(t *testing.T) {
	dsn := testutil.StartMySQL(t)

	var (
		once  sync.Once
		store *sqlcatalog.Store
	)
	catalogtest.RunStoreTests(t, func(t *testing.T) catalog.Store {
		once.Do(func() {
			s, err := sqlcatalog.Open(context.Background(), sqlcatalog.MySQL, dsn)
			if err != nil {
				t.Fatalf("open mysql catalog: %v", err)
			}
			store = s
		})
		return store
	})
	t.Cleanup(func() { _ = store.Close() })
}

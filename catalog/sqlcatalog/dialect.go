package sqlcatalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect names accepted by Open.
const (
	SQLite = "sqlite"
	MySQL  = "mysql"
)

// The statements are portable between both dialects.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS icetable_namespaces (
		namespace  VARCHAR(255) NOT NULL PRIMARY KEY,
		properties TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS icetable_tables (
		namespace                  VARCHAR(255) NOT NULL,
		table_name                 VARCHAR(255) NOT NULL,
		metadata_location          TEXT NOT NULL,
		previous_metadata_location TEXT,
		updated_at                 TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, table_name)
	)`,
}

type dialect struct {
	name        string
	driver      string
	isDuplicate func(error) bool
	// maxConns caps the pool; 0 means unlimited.
	maxConns int
	dsn      func(string) string
}

var dialects = map[string]*dialect{
	SQLite: {
		name:   SQLite,
		driver: "sqlite",
		isDuplicate: func(err error) bool {
			var se *sqlite.Error
			if !errors.As(err, &se) {
				return false
			}
			return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
		},
		// One connection serializes writers inside the process; busy_timeout
		// covers other processes sharing the file.
		maxConns: 1,
		dsn: func(dsn string) string {
			if strings.Contains(dsn, "busy_timeout") {
				return dsn
			}
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			return dsn + sep + "_pragma=busy_timeout(5000)"
		},
	},
	MySQL: {
		name:   MySQL,
		driver: "mysql",
		isDuplicate: func(err error) bool {
			var me *mysql.MySQLError
			return errors.As(err, &me) && me.Number == 1062
		},
		dsn: func(dsn string) string { return dsn },
	},
}

func lookupDialect(name string) (*dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("unknown sql catalog dialect %q (want %s or %s)", name, SQLite, MySQL)
	}
	return d, nil
}

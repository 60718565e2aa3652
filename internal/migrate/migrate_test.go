package migrate

import (
	"strings"
	"testing"
)

func TestMigrationsEmbed(t *testing.T) {
	data, err := migrations.ReadFile("sql/001_catalog.sql")
	if err != nil {
		t.Fatalf("read 001_catalog.sql: %v", err)
	}
	for _, want := range []string{"icetable_namespaces", "icetable_tables", "ON DELETE RESTRICT"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("001_catalog.sql does not mention %s", want)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	tests := []struct {
		name    string
		wantV   int
		wantErr bool
	}{
		{"001_catalog.sql", 1, false},
		{"002_add_index.sql", 2, false},
		{"100_big_migration.sql", 100, false},
		{"noseparator.sql", 0, true},
		{"abc_notanumber.sql", 0, true},
	}

	for _, tt := range tests {
		v, err := parseMigrationVersion(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMigrationVersion(%q): expected error, got %d", tt.name, v)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMigrationVersion(%q): unexpected error: %v", tt.name, err)
			continue
		}
		if v != tt.wantV {
			t.Errorf("parseMigrationVersion(%q): got %d, want %d", tt.name, v, tt.wantV)
		}
	}
}

func TestListMigrationsOrdered(t *testing.T) {
	migs, err := listMigrations()
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(migs) == 0 || migs[0].version != 1 {
		t.Fatalf("migrations = %+v, want version 1 first", migs)
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].version <= migs[i-1].version {
			t.Errorf("migrations out of order: %+v", migs)
		}
	}
}

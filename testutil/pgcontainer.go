package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a running PostgreSQL container.
type PostgresContainer struct {
	ConnStr string
}

// StartPostgres starts PostgreSQL 16 for the postgres catalog tests. The
// container is terminated when the test ends.
func StartPostgres(t testing.TB) *PostgresContainer {
	t.Helper()
	addr := startGeneric(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "icetable",
			"POSTGRES_PASSWORD": "icetable",
			"POSTGRES_DB":       "icetable_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}, "5432")

	connStr := "postgres://icetable:icetable@" + addr + "/icetable_test?sslmode=disable"

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	_ = conn.Close(ctx)

	return &PostgresContainer{ConnStr: connStr}
}

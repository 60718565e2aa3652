// Package postgres is a catalog backend on PostgreSQL. Foreign keys keep
// tables inside existing namespaces, and a conditional UPDATE on the
// metadata location is the compare-and-swap.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/internal/migrate"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithoutMigrations skips applying the catalog schema on Open.
func WithoutMigrations() Option {
	return func(s *Store) { s.skipMigrations = true }
}

// Store implements catalog.Store on a pgx connection pool.
type Store struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	skipMigrations bool
}

var _ catalog.Store = (*Store)(nil)

// Open connects to connString, applies pending migrations and returns the
// store.
func Open(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())

	if !s.skipMigrations {
		if err := migrate.Run(ctx, connString, s.logger); err != nil {
			return nil, fmt.Errorf("migrate catalog schema: %w", err)
		}
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s.pool = pool
	return s, nil
}

func (s *Store) Name() string { return "postgres" }

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO icetable_namespaces (namespace, properties) VALUES ($1, $2)`,
		ns.String(), catalog.CloneProperties(props))
	if pgCode(err) == uniqueViolation {
		return catalog.NamespaceAlreadyExists(ns)
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	var props map[string]string
	err := s.pool.QueryRow(ctx,
		`SELECT properties FROM icetable_namespaces WHERE namespace = $1`, ns.String()).Scan(&props)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("namespace %s properties: %w", ns, err)
	}
	return catalog.CloneProperties(props), nil
}

func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM icetable_namespaces WHERE namespace = $1`, ns.String())
	if pgCode(err) == foreignKeyViolation {
		return catalog.NamespaceNotEmpty(ns)
	}
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NamespaceNotFound(ns)
	}
	return nil
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	rows, err := s.pool.Query(ctx, `SELECT namespace FROM icetable_namespaces ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := make([]catalog.Namespace, 0, len(names))
	for _, n := range names {
		ns, err := catalog.ParseNamespace(n)
		if err != nil {
			s.logger.Warn("skipping unparseable namespace", "namespace", n, "error", err)
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, id catalog.Identifier, metadataLocation string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO icetable_tables (namespace, table_name, metadata_location) VALUES ($1, $2, $3)`,
		id.Namespace.String(), id.Name, metadataLocation)
	switch pgCode(err) {
	case uniqueViolation:
		return catalog.TableAlreadyExists(id)
	case foreignKeyViolation:
		return catalog.NamespaceNotFound(id.Namespace)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", id, err)
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	var loc string
	err := s.pool.QueryRow(ctx,
		`SELECT metadata_location FROM icetable_tables WHERE namespace = $1 AND table_name = $2`,
		id.Namespace.String(), id.Name).Scan(&loc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", catalog.TableNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("load table %s: %w", id, err)
	}
	return loc, nil
}

func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE icetable_tables
		SET metadata_location = $4, previous_metadata_location = metadata_location, updated_at = now()
		WHERE namespace = $1 AND table_name = $2 AND metadata_location = $3`,
		id.Namespace.String(), id.Name, expected, next)
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	actual, err := s.LoadTable(ctx, id)
	if err != nil {
		return err
	}
	return catalog.Conflict(id, expected, actual)
}

func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM icetable_tables WHERE namespace = $1 AND table_name = $2`,
		id.Namespace.String(), id.Name)
	if err != nil {
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.TableNotFound(id)
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM icetable_tables WHERE namespace = $1 ORDER BY table_name`, ns.String())
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	out := make([]catalog.Identifier, len(names))
	for i, n := range names {
		out[i] = catalog.NewIdentifier(ns, n)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

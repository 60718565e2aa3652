// Package sqlcatalog is a catalog backend on database/sql, for SQLite
// (modernc.org/sqlite, no cgo) and MySQL. Every mutation is a single
// conditional statement, so no transactions are needed.
package sqlcatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/florinutz/icetable/catalog"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements catalog.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect *dialect
	logger  *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// Open connects with the named dialect (SQLite or MySQL) and creates the
// catalog tables if needed. For SQLite dsn is a file path, optionally with
// _pragma parameters.
func Open(ctx context.Context, dialectName, dsn string, opts ...Option) (*Store, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, d.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}

	s := &Store{db: db, dialect: d}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create catalog schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Name() string { return s.dialect.name }

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	data, err := json.Marshal(catalog.CloneProperties(props))
	if err != nil {
		return fmt.Errorf("encode namespace properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO icetable_namespaces (namespace, properties) VALUES (?, ?)`, ns.String(), string(data))
	if s.dialect.isDuplicate(err) {
		return catalog.NamespaceAlreadyExists(ns)
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT properties FROM icetable_namespaces WHERE namespace = ?`, ns.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("namespace %s properties: %w", ns, err)
	}
	var props map[string]string
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("decode namespace %s properties: %w", ns, err)
	}
	return catalog.CloneProperties(props), nil
}

func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM icetable_namespaces
		WHERE namespace = ? AND NOT EXISTS (SELECT 1 FROM icetable_tables WHERE namespace = ?)`,
		ns.String(), ns.String())
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return err
	}
	return catalog.NamespaceNotEmpty(ns)
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	names, err := s.strings(ctx, `SELECT namespace FROM icetable_namespaces ORDER BY namespace`)
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

// CreateTable inserts only if the namespace row exists.
func (s *Store) CreateTable(ctx context.Context, id catalog.Identifier, metadataLocation string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO icetable_tables (namespace, table_name, metadata_location)
		SELECT namespace, ?, ? FROM icetable_namespaces WHERE namespace = ?`,
		id.Name, metadataLocation, id.Namespace.String())
	if s.dialect.isDuplicate(err) {
		return catalog.TableAlreadyExists(id)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.NamespaceNotFound(id.Namespace)
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	var loc string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_location FROM icetable_tables WHERE namespace = ? AND table_name = ?`,
		id.Namespace.String(), id.Name).Scan(&loc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", catalog.TableNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("load table %s: %w", id, err)
	}
	return loc, nil
}

func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE icetable_tables
		SET metadata_location = ?, previous_metadata_location = metadata_location, updated_at = CURRENT_TIMESTAMP
		WHERE namespace = ? AND table_name = ? AND metadata_location = ?`,
		next, id.Namespace.String(), id.Name, expected)
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	actual, err := s.LoadTable(ctx, id)
	if err != nil {
		return err
	}
	// MySQL reports changed rows, so a swap to the current value affects none.
	if actual == next && expected == next {
		return nil
	}
	return catalog.Conflict(id, expected, actual)
}

func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM icetable_tables WHERE namespace = ? AND table_name = ?`, id.Namespace.String(), id.Name)
	if err != nil {
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.TableNotFound(id)
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	names, err := s.strings(ctx,
		`SELECT table_name FROM icetable_tables WHERE namespace = ? ORDER BY table_name`, ns.String())
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	out := make([]catalog.Identifier, len(names))
	for i, n := range names {
		out[i] = catalog.NewIdentifier(ns, n)
	}
	return out, nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

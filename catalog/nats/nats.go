// Package nats is a catalog backend on a NATS JetStream key-value bucket.
// Creation uses Create, which fails on an existing key, and the
// compare-and-swap is an Update at the revision the location was read at.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	natsclient "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/florinutz/icetable/catalog"
)

const defaultBucket = "icetable_catalog"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBucket sets the key-value bucket name. Defaults to "icetable_catalog".
func WithBucket(b string) Option {
	return func(s *Store) { s.bucket = b }
}

// WithCredentials sets a NATS credentials file.
func WithCredentials(path string) Option {
	return func(s *Store) { s.credFile = path }
}

// Store implements catalog.Store on a JetStream key-value bucket.
type Store struct {
	nc       *natsclient.Conn
	kv       jetstream.KeyValue
	bucket   string
	credFile string
	logger   *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// Open connects to url and creates the bucket if it does not exist.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	s := &Store{bucket: defaultBucket}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())

	nopts := []natsclient.Option{
		natsclient.Name("icetable"),
		natsclient.MaxReconnects(-1),
	}
	if s.credFile != "" {
		nopts = append(nopts, natsclient.UserCredentials(s.credFile))
	}
	nc, err := natsclient.Connect(url, nopts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      s.bucket,
		Description: "icetable catalog: namespaces and table metadata locations",
		History:     5,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create key-value bucket %s: %w", s.bucket, err)
	}
	s.nc = nc
	s.kv = kv
	return s, nil
}

func (s *Store) Name() string { return "nats" }

// Key layout: "ns.<a/b>" holds namespace properties and "tbl.<a/b>.<name>"
// holds a table's metadata location. Identifier levels never contain dots
// or slashes.
func nsKey(ns catalog.Namespace) string { return "ns." + strings.Join(ns, "/") }

func tablesPrefix(ns catalog.Namespace) string { return "tbl." + strings.Join(ns, "/") + "." }

func tableKey(id catalog.Identifier) string { return tablesPrefix(id.Namespace) + id.Name }

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	data, err := json.Marshal(catalog.CloneProperties(props))
	if err != nil {
		return fmt.Errorf("encode namespace properties: %w", err)
	}
	_, err = s.kv.Create(ctx, nsKey(ns), data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return catalog.NamespaceAlreadyExists(ns)
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	entry, err := s.kv.Get(ctx, nsKey(ns))
	if isMissing(err) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("namespace %s properties: %w", ns, err)
	}
	var props map[string]string
	if err := json.Unmarshal(entry.Value(), &props); err != nil {
		return nil, fmt.Errorf("decode namespace %s properties: %w", ns, err)
	}
	return catalog.CloneProperties(props), nil
}

// DropNamespace deletes the namespace at the revision it was read at, so a
// concurrent property change fails the drop. A table created between the
// emptiness check and the delete is detected by CreateTable's re-check.
func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	entry, err := s.kv.Get(ctx, nsKey(ns))
	if isMissing(err) {
		return catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	tables, err := s.tableNames(ctx, ns)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		return catalog.NamespaceNotEmpty(ns)
	}
	err = s.kv.Delete(ctx, nsKey(ns), jetstream.LastRevision(entry.Revision()))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("drop namespace %s: namespace changed concurrently: %w", ns, err)
	}
	return err
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var out []catalog.Namespace
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, "ns.")
		if !ok {
			continue
		}
		ns := catalog.Namespace(strings.Split(rest, "/"))
		if err := ns.Validate(); err != nil {
			s.logger.Warn("skipping unparseable namespace key", "key", k, "error", err)
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, id catalog.Identifier, metadataLocation string) error {
	if _, err := s.NamespaceProperties(ctx, id.Namespace); err != nil {
		return err
	}
	_, err := s.kv.Create(ctx, tableKey(id), []byte(metadataLocation))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return catalog.TableAlreadyExists(id)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", id, err)
	}
	// The namespace may have been dropped while the entry was created.
	if _, err := s.NamespaceProperties(ctx, id.Namespace); err != nil {
		if derr := s.kv.Delete(context.WithoutCancel(ctx), tableKey(id)); derr != nil {
			s.logger.Warn("remove table created in dropped namespace", "table", id.String(), "error", derr)
		}
		return err
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	entry, err := s.kv.Get(ctx, tableKey(id))
	if isMissing(err) {
		return "", catalog.TableNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("load table %s: %w", id, err)
	}
	return string(entry.Value()), nil
}

func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	entry, err := s.kv.Get(ctx, tableKey(id))
	if isMissing(err) {
		return catalog.TableNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	if actual := string(entry.Value()); actual != expected {
		return catalog.Conflict(id, expected, actual)
	}
	_, err = s.kv.Update(ctx, tableKey(id), []byte(next), entry.Revision())
	if errors.Is(err, jetstream.ErrKeyExists) {
		return catalog.Conflict(id, expected, "")
	}
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	entry, err := s.kv.Get(ctx, tableKey(id))
	if isMissing(err) {
		return catalog.TableNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	if err := s.kv.Delete(ctx, tableKey(id), jetstream.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return catalog.Conflict(id, string(entry.Value()), "")
		}
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	names, err := s.tableNames(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Identifier, len(names))
	for i, n := range names {
		out[i] = catalog.NewIdentifier(ns, n)
	}
	return out, nil
}

func (s *Store) tableNames(ctx context.Context, ns catalog.Namespace) ([]string, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	prefix := tablesPrefix(ns)
	var out []string
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, prefix); ok && !strings.Contains(name, ".") {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()
	var out []string
	for k := range lister.Keys() {
		out = append(out, k)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

func (s *Store) Close() error {
	s.nc.Close()
	return nil
}

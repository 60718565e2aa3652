// Package redis is a catalog backend on Redis. Namespaces live in one hash
// and each namespace's tables in another; Lua scripts make the multi-key
// checks and the compare-and-swap atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/florinutz/icetable/catalog"
)

const defaultPrefix = "icetable"

// Script results.
const (
	resultOK           = 1
	resultNoNamespace  = -1
	resultExists       = -2
	resultNotEmpty     = -3
	resultNoTable      = -4
	resultWrongVersion = -5
)

// KEYS[1] namespaces hash, KEYS[2] tables hash; ARGV[1] namespace.
var dropNamespaceScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return -1 end
if redis.call('HLEN', KEYS[2]) > 0 then return -3 end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] namespaces hash, KEYS[2] tables hash; ARGV namespace, table, location.
var createTableScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return -1 end
if redis.call('HSETNX', KEYS[2], ARGV[2], ARGV[3]) == 0 then return -2 end
return 1
`)

// KEYS[1] tables hash; ARGV table, expected, next. Returns {code, current}.
var swapScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then return {-4, ''} end
if cur ~= ARGV[2] then return {-5, cur} end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return {1, ''}
`)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. Defaults to "icetable".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// Store implements catalog.Store on a go-redis client.
type Store struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// Open connects to a redis:// URL and pings the server.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client. Close closes it.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())
	return s
}

func (s *Store) Name() string { return "redis" }

func (s *Store) namespacesKey() string { return s.prefix + ":namespaces" }

func (s *Store) tablesKey(ns catalog.Namespace) string { return s.prefix + ":tables:" + ns.String() }

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	data, err := json.Marshal(catalog.CloneProperties(props))
	if err != nil {
		return fmt.Errorf("encode namespace properties: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.namespacesKey(), ns.String(), data).Result()
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	if !created {
		return catalog.NamespaceAlreadyExists(ns)
	}
	return nil
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	raw, err := s.client.HGet(ctx, s.namespacesKey(), ns.String()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("namespace %s properties: %w", ns, err)
	}
	var props map[string]string
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode namespace %s properties: %w", ns, err)
	}
	return catalog.CloneProperties(props), nil
}

func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	code, err := dropNamespaceScript.Run(ctx, s.client,
		[]string{s.namespacesKey(), s.tablesKey(ns)}, ns.String()).Int()
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	switch code {
	case resultNoNamespace:
		return catalog.NamespaceNotFound(ns)
	case resultNotEmpty:
		return catalog.NamespaceNotEmpty(ns)
	}
	return nil
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	names, err := s.client.HKeys(ctx, s.namespacesKey()).Result()
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
	code, err := createTableScript.Run(ctx, s.client,
		[]string{s.namespacesKey(), s.tablesKey(id.Namespace)},
		id.Namespace.String(), id.Name, metadataLocation).Int()
	if err != nil {
		return fmt.Errorf("create table %s: %w", id, err)
	}
	switch code {
	case resultNoNamespace:
		return catalog.NamespaceNotFound(id.Namespace)
	case resultExists:
		return catalog.TableAlreadyExists(id)
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	loc, err := s.client.HGet(ctx, s.tablesKey(id.Namespace), id.Name).Result()
	if errors.Is(err, goredis.Nil) {
		return "", catalog.TableNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("load table %s: %w", id, err)
	}
	return loc, nil
}

func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	res, err := swapScript.Run(ctx, s.client, []string{s.tablesKey(id.Namespace)}, id.Name, expected, next).Slice()
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("swap table %s: unexpected script result %v", id, res)
	}
	code, _ := res[0].(int64)
	switch code {
	case resultOK:
		return nil
	case resultNoTable:
		return catalog.TableNotFound(id)
	case resultWrongVersion:
		actual, _ := res[1].(string)
		return catalog.Conflict(id, expected, actual)
	}
	return fmt.Errorf("swap table %s: unexpected script result %v", id, res)
}

func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	n, err := s.client.HDel(ctx, s.tablesKey(id.Namespace), id.Name).Result()
	if err != nil {
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	if n == 0 {
		return catalog.TableNotFound(id)
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	names, err := s.client.HKeys(ctx, s.tablesKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	out := make([]catalog.Identifier, len(names))
	for i, n := range names {
		out[i] = catalog.NewIdentifier(ns, n)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

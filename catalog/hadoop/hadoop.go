// Package hadoop is a catalog backend that needs nothing but the object
// store. Each table is a sequence of create-only pointer objects
// v1.pointer, v2.pointer, ...; the highest version is current and only one
// writer can create the next one. Dropping a table creates a tombstone as
// the next version, so a swap racing the drop fails, and the tombstone
// stays: recreating the name continues numbering after it.
package hadoop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/objstore"
)

const (
	defaultPrefix = "_catalog"
	hintKey       = "version-hint"
	pointerSuffix = ".pointer"
	markerSuffix  = ".json"
)

type pointerFile struct {
	MetadataLocation string `json:"metadata-location,omitempty"`
	Dropped          bool   `json:"dropped,omitempty"`
}

type namespaceMarker struct {
	Namespace  []string          `json:"namespace"`
	Properties map[string]string `json:"properties"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix under which catalog objects are kept.
// Defaults to "_catalog".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = strings.Trim(p, "/") }
}

// Store implements catalog.Store on an object store.
type Store struct {
	objects objstore.Store
	prefix  string
	logger  *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

func New(objects objstore.Store, opts ...Option) *Store {
	s := &Store{objects: objects, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())
	return s
}

func (s *Store) Name() string { return "hadoop" }

func (s *Store) namespaceKey(ns catalog.Namespace) string {
	return objstore.Join(s.prefix, "namespaces", ns.String()+markerSuffix)
}

func (s *Store) tablesPrefix(ns catalog.Namespace) string {
	return objstore.Join(s.prefix, "tables", ns.String()) + "/"
}

func (s *Store) tableDir(id catalog.Identifier) string {
	return objstore.Join(s.prefix, "tables", id.Namespace.String(), id.Name)
}

func (s *Store) pointerKey(id catalog.Identifier, v int) string {
	return objstore.Join(s.tableDir(id), "v"+strconv.Itoa(v)+pointerSuffix)
}

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	data, err := json.Marshal(namespaceMarker{Namespace: ns, Properties: catalog.CloneProperties(props)})
	if err != nil {
		return fmt.Errorf("marshal namespace %s: %w", ns, err)
	}
	err = objstore.PutIfAbsent(ctx, s.objects, s.namespaceKey(ns), data)
	if errors.Is(err, objstore.ErrVersionMismatch) {
		return catalog.NamespaceAlreadyExists(ns)
	}
	return err
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	obj, err := s.objects.Get(ctx, s.namespaceKey(ns))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, err
	}
	var m namespaceMarker
	if err := json.Unmarshal(obj.Data, &m); err != nil {
		return nil, fmt.Errorf("decode namespace %s: %w", ns, err)
	}
	return catalog.CloneProperties(m.Properties), nil
}

// DropNamespace removes the namespace marker when no table pointers remain.
// The emptiness check and the delete are separate requests, so a table
// created concurrently with the drop can end up without a namespace.
func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return err
	}
	tables, err := s.ListTables(ctx, ns)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		return catalog.NamespaceNotEmpty(ns)
	}
	return s.objects.Delete(ctx, s.namespaceKey(ns))
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	var out []catalog.Namespace
	for key, err := range s.objects.List(ctx, objstore.Join(s.prefix, "namespaces")+"/") {
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
		name, ok := strings.CutSuffix(path.Base(key), markerSuffix)
		if !ok {
			continue
		}
		ns, err := catalog.ParseNamespace(name)
		if err != nil {
			s.logger.Warn("skipping unparseable namespace marker", "key", key, "error", err)
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
	// v is 0 for a new name and the tombstone version for a dropped one.
	v, p, err := s.head(ctx, id)
	switch {
	case err == nil && !p.Dropped:
		return catalog.TableAlreadyExists(id)
	case err != nil && !errors.Is(err, icetableerr.ErrNotFound):
		return err
	}
	err = s.writePointer(ctx, id, v+1, pointerFile{MetadataLocation: metadataLocation})
	if errors.Is(err, objstore.ErrVersionMismatch) {
		return catalog.TableAlreadyExists(id)
	}
	return err
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	_, loc, err := s.current(ctx, id)
	return loc, err
}

// SwapTable creates pointer v(N+1) when v(N) holds expected. Create-only
// puts make exactly one concurrent writer succeed.
func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	v, loc, err := s.current(ctx, id)
	if err != nil {
		return err
	}
	if loc != expected {
		return catalog.Conflict(id, expected, loc)
	}
	err = s.writePointer(ctx, id, v+1, pointerFile{MetadataLocation: next})
	if errors.Is(err, objstore.ErrVersionMismatch) {
		return catalog.Conflict(id, expected, "")
	}
	if err != nil {
		return err
	}
	// The hint only speeds up lookups; readers look past a stale one.
	if err := s.objects.Put(ctx, objstore.Join(s.tableDir(id), hintKey), []byte(strconv.Itoa(v+1))); err != nil {
		s.logger.Warn("write version hint", "table", id.String(), "version", v+1, "error", err)
	}
	s.logger.Debug("swapped table pointer", "table", id.String(), "version", v+1, "metadata_location", next)
	return nil
}

// DropTable creates a tombstone as the next pointer version, retrying when a
// commit takes that version first, then removes the older pointers.
func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, _, err := s.current(ctx, id)
		if err != nil {
			return err
		}
		err = s.writePointer(ctx, id, v+1, pointerFile{Dropped: true})
		if errors.Is(err, objstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("drop table %s: %w", id, err)
		}
		s.prune(ctx, id, v+1)
		return nil
	}
}

// prune deletes the version hint and every pointer below tombstone, lowest
// first. Failures leave garbage but no visible state: the tombstone is the
// highest version either way.
func (s *Store) prune(ctx context.Context, id catalog.Identifier, tombstone int) {
	if err := s.objects.Delete(ctx, objstore.Join(s.tableDir(id), hintKey)); err != nil {
		s.logger.Warn("remove version hint", "table", id.String(), "error", err)
	}
	var versions []int
	for key, err := range s.objects.List(ctx, s.tableDir(id)+"/") {
		if err != nil {
			s.logger.Warn("list pointers to prune", "table", id.String(), "error", err)
			return
		}
		if v, ok := pointerVersion(key); ok && v < tombstone {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	for _, v := range versions {
		if err := s.objects.Delete(ctx, s.pointerKey(id, v)); err != nil {
			s.logger.Warn("remove dropped pointer", "table", id.String(), "version", v, "error", err)
		}
	}
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	prefix := s.tablesPrefix(ns)
	seen := make(map[string]bool)
	var names []string
	for key, err := range s.objects.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("list tables in %s: %w", ns, err)
		}
		name, file, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !ok || !strings.HasSuffix(file, pointerSuffix) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	var out []catalog.Identifier
	for _, name := range names {
		id := catalog.NewIdentifier(ns, name)
		_, _, err := s.current(ctx, id)
		switch {
		case errors.Is(err, icetableerr.ErrNotFound):
			continue // dropped
		case err != nil:
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.objects.Get(ctx, objstore.Join(s.prefix, "ping"))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Close() error { return nil }

func (s *Store) writePointer(ctx context.Context, id catalog.Identifier, v int, p pointerFile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return objstore.PutIfAbsent(ctx, s.objects, s.pointerKey(id, v), data)
}

func (s *Store) readPointer(ctx context.Context, id catalog.Identifier, v int) (pointerFile, error) {
	var p pointerFile
	obj, err := s.objects.Get(ctx, s.pointerKey(id, v))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(obj.Data, &p); err != nil {
		return p, fmt.Errorf("decode pointer %s v%d: %w", id, v, err)
	}
	return p, nil
}

// head returns the highest pointer version, tombstone or not. The error is
// TableNotFound with a zero version when the name has no pointers.
func (s *Store) head(ctx context.Context, id catalog.Identifier) (int, pointerFile, error) {
	v, err := s.latestVersion(ctx, id)
	if err != nil {
		return 0, pointerFile{}, err
	}
	p, err := s.readPointer(ctx, id, v)
	if errors.Is(err, objstore.ErrNotFound) {
		return 0, p, catalog.TableNotFound(id)
	}
	return v, p, err
}

// current returns the latest pointer version and its metadata location. A
// dropped table is not found.
func (s *Store) current(ctx context.Context, id catalog.Identifier) (int, string, error) {
	v, p, err := s.head(ctx, id)
	if err != nil {
		return 0, "", err
	}
	if p.Dropped {
		return 0, "", catalog.TableNotFound(id)
	}
	return v, p.MetadataLocation, nil
}

func (s *Store) latestVersion(ctx context.Context, id catalog.Identifier) (int, error) {
	v := s.hint(ctx, id)
	if v > 0 {
		if _, err := s.objects.Get(ctx, s.pointerKey(id, v)); err == nil {
			for {
				_, err := s.objects.Get(ctx, s.pointerKey(id, v+1))
				if errors.Is(err, objstore.ErrNotFound) {
					return v, nil
				}
				if err != nil {
					return 0, err
				}
				v++
			}
		}
	}
	return s.listLatest(ctx, id)
}

func (s *Store) hint(ctx context.Context, id catalog.Identifier) int {
	obj, err := s.objects.Get(ctx, objstore.Join(s.tableDir(id), hintKey))
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(obj.Data)))
	if err != nil {
		return 0
	}
	return v
}

func (s *Store) listLatest(ctx context.Context, id catalog.Identifier) (int, error) {
	latest := 0
	for key, err := range s.objects.List(ctx, s.tableDir(id)+"/") {
		if err != nil {
			return 0, fmt.Errorf("list pointers of %s: %w", id, err)
		}
		if v, ok := pointerVersion(key); ok {
			latest = max(latest, v)
		}
	}
	if latest == 0 {
		return 0, catalog.TableNotFound(id)
	}
	return latest, nil
}

// pointerVersion parses N out of a ".../vN.pointer" key.
func pointerVersion(key string) (int, bool) {
	name, ok := strings.CutSuffix(path.Base(key), pointerSuffix)
	if !ok || !strings.HasPrefix(name, "v") {
		return 0, false
	}
	v, err := strconv.Atoi(name[1:])
	return v, err == nil
}

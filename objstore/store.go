// Package objstore stores immutable byte objects by key. It is the only
// persistence the table engine needs besides a catalog pointer, and its
// ConditionalPut is what makes create-only writes safe.
package objstore

import (
	"context"
	"errors"
	"iter"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("objstore: object not found")
	// ErrVersionMismatch is returned by ConditionalPut when the current
	// version of the key is not the expected one.
	ErrVersionMismatch = errors.New("objstore: version mismatch")
)

// Object is the content of a key together with an opaque version token.
type Object struct {
	Key     string
	Data    []byte
	Version string
}

// Store is an object store. Keys are slash-separated and relative to the
// store's root.
type Store interface {
	// Put writes data unconditionally.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (*Object, error)
	// ConditionalPut writes data only if the key's current version equals
	// expectedVersion. An empty expectedVersion means the key must not
	// exist. It returns the new version.
	ConditionalPut(ctx context.Context, key, expectedVersion string, data []byte) (string, error)
	// List yields every key under prefix.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URI renders key as a location string for display and metadata.
	URI(key string) string
}

// PutIfAbsent writes data only if key does not exist yet.
func PutIfAbsent(ctx context.Context, s Store, key string, data []byte) error {
	_, err := s.ConditionalPut(ctx, key, "", data)
	return err
}

// Join joins key segments with slashes, dropping empty ones.
func Join(parts ...string) string {
	var keep []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			keep = append(keep, p)
		}
	}
	return path.Join(keep...)
}

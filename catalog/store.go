package catalog

import (
	"context"

	"github.com/florinutz/icetable/icetableerr"
)

// Store is the mutable state behind a catalog: namespaces and the mapping
// from table identifiers to current metadata locations. Implementations
// must make SwapTable an atomic compare-and-swap across processes.
//
// Errors follow the icetableerr taxonomy:
//   - CreateNamespace: AlreadyExistsError
//   - NamespaceProperties, DropNamespace, ListTables, CreateTable:
//     NamespaceNotFoundError
//   - DropNamespace: NamespaceNotEmptyError while tables remain
//   - CreateTable: AlreadyExistsError
//   - LoadTable, DropTable: NotFoundError
//   - SwapTable: ConcurrentModificationError when expected is not the
//     current location, NotFoundError when the table does not exist
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	CreateNamespace(ctx context.Context, ns Namespace, props map[string]string) error
	NamespaceProperties(ctx context.Context, ns Namespace) (map[string]string, error)
	DropNamespace(ctx context.Context, ns Namespace) error
	ListNamespaces(ctx context.Context) ([]Namespace, error)

	CreateTable(ctx context.Context, id Identifier, metadataLocation string) error
	LoadTable(ctx context.Context, id Identifier) (string, error)
	SwapTable(ctx context.Context, id Identifier, expected, next string) error
	DropTable(ctx context.Context, id Identifier) error
	ListTables(ctx context.Context, ns Namespace) ([]Identifier, error)

	Ping(ctx context.Context) error
	Close() error
}

// Error constructors shared by the backends.

func NamespaceAlreadyExists(ns Namespace) error {
	return &icetableerr.AlreadyExistsError{Kind: "namespace", Name: ns.String()}
}

func NamespaceNotFound(ns Namespace) error {
	return &icetableerr.NamespaceNotFoundError{Namespace: ns.String()}
}

func NamespaceNotEmpty(ns Namespace) error {
	return &icetableerr.NamespaceNotEmptyError{Namespace: ns.String()}
}

func TableAlreadyExists(id Identifier) error {
	return &icetableerr.AlreadyExistsError{Kind: "table", Name: id.String()}
}

func TableNotFound(id Identifier) error {
	return &icetableerr.NotFoundError{Kind: "table", Name: id.String()}
}

// Conflict reports a lost compare-and-swap. actual may be empty when the
// backend cannot tell what it found.
func Conflict(id Identifier, expected, actual string) error {
	return &icetableerr.ConcurrentModificationError{Table: id.String(), Expected: expected, Actual: actual}
}

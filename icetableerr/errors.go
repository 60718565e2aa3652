package icetableerr

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotFound               = errors.New("not found")
	ErrNamespaceNotFound      = errors.New("namespace not found")
	ErrNamespaceNotEmpty      = errors.New("namespace not empty")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrCommitStateUnknown     = errors.New("commit state unknown")
	ErrInvalidSpec            = errors.New("invalid partition spec")
	ErrInvalidSchema          = errors.New("invalid schema")
	ErrCorruptMetadata        = errors.New("corrupt metadata")
	ErrInvalidIdentifier      = errors.New("invalid identifier")
)

// AlreadyExistsError is returned when creating a namespace or table whose name is taken.
type AlreadyExistsError struct {
	Kind string // "namespace" or "table"
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.Name)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// NotFoundError is returned when a table, snapshot, schema, spec or data file does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NamespaceNotFoundError is returned when an operation names a namespace that
// does not exist. It also matches ErrNotFound.
type NamespaceNotFoundError struct {
	Namespace string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("namespace %s not found", e.Namespace)
}

func (e *NamespaceNotFoundError) Is(target error) bool {
	return target == ErrNamespaceNotFound || target == ErrNotFound
}

// NamespaceNotEmptyError is returned when dropping a namespace that still holds tables.
type NamespaceNotEmptyError struct {
	Namespace string
}

func (e *NamespaceNotEmptyError) Error() string {
	return fmt.Sprintf("namespace %s is not empty", e.Namespace)
}

func (e *NamespaceNotEmptyError) Is(target error) bool { return target == ErrNamespaceNotEmpty }

// ConcurrentModificationError indicates that a commit lost the race for the
// table pointer. The caller may refresh the table and try again.
type ConcurrentModificationError struct {
	Table    string
	Expected string // metadata location (or snapshot) the commit was based on
	Actual   string // what was found instead, when known
	Err      error
}

func (e *ConcurrentModificationError) Error() string {
	msg := fmt.Sprintf("concurrent modification of table %s: expected base %s", e.Table, e.Expected)
	if e.Actual != "" {
		msg += ", found " + e.Actual
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConcurrentModificationError) Unwrap() error { return e.Err }

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// CommitStateUnknownError is returned when the pointer swap failed without
// saying whether the pointer moved: a timeout, a dropped connection, a lost
// reply. The objects written for the commit are kept since the table may
// already reference them. Reload the table to see whether the commit landed.
type CommitStateUnknownError struct {
	Table    string
	Metadata string // metadata location the swap tried to install
	Err      error
}

func (e *CommitStateUnknownError) Error() string {
	return fmt.Sprintf("commit of table %s to %s in unknown state: %v", e.Table, e.Metadata, e.Err)
}

func (e *CommitStateUnknownError) Unwrap() error { return e.Err }

func (e *CommitStateUnknownError) Is(target error) bool { return target == ErrCommitStateUnknown }

// InvalidSpecError is returned when a partition spec references an unknown
// column or applies a transform to an incompatible type.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	if e.Field == "" {
		return "invalid partition spec: " + e.Reason
	}
	return fmt.Sprintf("invalid partition spec field %q: %s", e.Field, e.Reason)
}

func (e *InvalidSpecError) Is(target error) bool { return target == ErrInvalidSpec }

// InvalidSchemaError is returned for malformed schemas, schema updates that
// conflict, and records that do not fit a schema.
type InvalidSchemaError struct {
	Column string
	Reason string
}

func (e *InvalidSchemaError) Error() string {
	if e.Column == "" {
		return "invalid schema: " + e.Reason
	}
	return fmt.Sprintf("invalid schema column %q: %s", e.Column, e.Reason)
}

func (e *InvalidSchemaError) Is(target error) bool { return target == ErrInvalidSchema }

// CorruptMetadataError is returned when a metadata, manifest list or manifest
// object cannot be decoded or references an object that is missing.
type CorruptMetadataError struct {
	Location string
	Err      error
}

func (e *CorruptMetadataError) Error() string {
	return fmt.Sprintf("corrupt metadata at %s: %v", e.Location, e.Err)
}

func (e *CorruptMetadataError) Unwrap() error { return e.Err }

func (e *CorruptMetadataError) Is(target error) bool { return target == ErrCorruptMetadata }

// InvalidIdentifierError is returned for malformed namespace or table names.
type InvalidIdentifierError struct {
	Identifier string
	Reason     string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q: %s", e.Identifier, e.Reason)
}

func (e *InvalidIdentifierError) Is(target error) bool { return target == ErrInvalidIdentifier }

package icetableerr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/florinutz/icetable/icetableerr"
)

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"already exists", &icetableerr.AlreadyExistsError{Kind: "namespace", Name: "webapp"}, icetableerr.ErrAlreadyExists},
		{"not found", &icetableerr.NotFoundError{Kind: "table", Name: "webapp.logs"}, icetableerr.ErrNotFound},
		{"namespace not found", &icetableerr.NamespaceNotFoundError{Namespace: "x"}, icetableerr.ErrNamespaceNotFound},
		{"namespace not found is not found", &icetableerr.NamespaceNotFoundError{Namespace: "x"}, icetableerr.ErrNotFound},
		{"namespace not empty", &icetableerr.NamespaceNotEmptyError{Namespace: "x"}, icetableerr.ErrNamespaceNotEmpty},
		{"conflict", &icetableerr.ConcurrentModificationError{Table: "t", Expected: "a"}, icetableerr.ErrConcurrentModification},
		{"commit state unknown", &icetableerr.CommitStateUnknownError{Table: "t", Metadata: "m", Err: errors.New("timeout")}, icetableerr.ErrCommitStateUnknown},
		{"invalid spec", &icetableerr.InvalidSpecError{Field: "f", Reason: "r"}, icetableerr.ErrInvalidSpec},
		{"invalid schema", &icetableerr.InvalidSchemaError{Reason: "r"}, icetableerr.ErrInvalidSchema},
		{"corrupt", &icetableerr.CorruptMetadataError{Location: "l", Err: errors.New("bad")}, icetableerr.ErrCorruptMetadata},
		{"identifier", &icetableerr.InvalidIdentifierError{Identifier: "a b", Reason: "space"}, icetableerr.ErrInvalidIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("op: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
			if tt.err.Error() == "" {
				t.Error("Error() should return non-empty string")
			}
		})
	}
}

func TestNotFoundDoesNotMatchNamespace(t *testing.T) {
	err := &icetableerr.NotFoundError{Kind: "table", Name: "a.b"}
	if errors.Is(err, icetableerr.ErrNamespaceNotFound) {
		t.Error("table not found should not match ErrNamespaceNotFound")
	}
}

func TestConcurrentModificationError(t *testing.T) {
	cause := errors.New("version mismatch")
	err := &icetableerr.ConcurrentModificationError{
		Table:    "webapp.logs",
		Expected: "v1",
		Actual:   "v2",
		Err:      cause,
	}

	var target *icetableerr.ConcurrentModificationError
	if !errors.As(fmt.Errorf("commit: %w", err), &target) {
		t.Fatal("errors.As should match ConcurrentModificationError")
	}
	if target.Actual != "v2" {
		t.Errorf("Actual = %q, want v2", target.Actual)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match underlying cause via Unwrap")
	}
}

func TestCommitStateUnknownError(t *testing.T) {
	err := &icetableerr.CommitStateUnknownError{Table: "webapp.logs", Metadata: "m2", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should match underlying cause via Unwrap")
	}
	if errors.Is(err, icetableerr.ErrConcurrentModification) {
		t.Error("unknown commit state must not look like a lost race")
	}
}

func TestCorruptMetadataError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := &icetableerr.CorruptMetadataError{Location: "s3://b/t/metadata/v1.json", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match underlying cause via Unwrap")
	}
}

func TestWrapTable(t *testing.T) {
	cause := &icetableerr.NotFoundError{Kind: "snapshot", Name: "7"}
	err := icetableerr.WrapTable(cause, "rollback", "webapp.logs")

	want := `rollback[table=webapp.logs]: snapshot 7 not found`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, icetableerr.ErrNotFound) {
		t.Error("wrapped error should still match ErrNotFound")
	}
	if icetableerr.WrapTable(nil, "x", "y") != nil {
		t.Error("WrapTable(nil) should be nil")
	}
}

package catalog

import (
	"regexp"
	"slices"
	"strings"

	"github.com/florinutz/icetable/icetableerr"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Namespace is a hierarchical table namespace, e.g. ["webapp"] or
// ["analytics", "raw"]. Its string form joins the levels with dots.
type Namespace []string

// ParseNamespace splits a dotted namespace and validates each level.
func ParseNamespace(s string) (Namespace, error) {
	ns := Namespace(strings.Split(s, "."))
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	return ns, nil
}

func (n Namespace) String() string { return strings.Join(n, ".") }

func (n Namespace) Equal(o Namespace) bool { return slices.Equal(n, o) }

func (n Namespace) Validate() error {
	if len(n) == 0 {
		return &icetableerr.InvalidIdentifierError{Identifier: "", Reason: "empty namespace"}
	}
	for _, level := range n {
		if !namePattern.MatchString(level) {
			return &icetableerr.InvalidIdentifierError{Identifier: n.String(), Reason: "namespace levels must match " + namePattern.String()}
		}
	}
	return nil
}

// Identifier names a table within a namespace.
type Identifier struct {
	Namespace Namespace
	Name      string
}

// NewIdentifier returns the identifier of table name in ns.
func NewIdentifier(ns Namespace, name string) Identifier {
	return Identifier{Namespace: ns, Name: name}
}

// ParseIdentifier parses "ns.table" or "ns.sub.table": the last level is
// the table name.
func ParseIdentifier(s string) (Identifier, error) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return Identifier{}, &icetableerr.InvalidIdentifierError{Identifier: s, Reason: "expected <namespace>.<table>"}
	}
	ns, err := ParseNamespace(s[:i])
	if err != nil {
		return Identifier{}, err
	}
	id := Identifier{Namespace: ns, Name: s[i+1:]}
	if err := id.Validate(); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (id Identifier) String() string { return id.Namespace.String() + "." + id.Name }

func (id Identifier) Validate() error {
	if err := id.Namespace.Validate(); err != nil {
		return err
	}
	if !namePattern.MatchString(id.Name) {
		return &icetableerr.InvalidIdentifierError{Identifier: id.String(), Reason: "table names must match " + namePattern.String()}
	}
	return nil
}

// SortNamespaces sorts by level, so parents come before children.
func SortNamespaces(ns []Namespace) {
	slices.SortFunc(ns, func(a, b Namespace) int { return slices.Compare(a, b) })
}

// SortIdentifiers sorts by namespace, then name.
func SortIdentifiers(ids []Identifier) {
	slices.SortFunc(ids, func(a, b Identifier) int {
		if c := slices.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}

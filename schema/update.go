package schema

import (
	"fmt"

	"github.com/florinutz/icetable/icetableerr"
)

// Update accumulates schema changes against a base schema. Errors are
// deferred to Apply so calls can be chained.
//
// New ids continue from lastColumnID, the highest id the table has ever
// assigned, so a dropped id is never reused even if its name comes back.
type Update struct {
	base         *Schema
	lastColumnID int
	adds         []Column
	deletes      map[int]bool
	renames      map[int]string
	optional     map[int]bool
	docs         map[int]string
	err          error
}

// NewUpdate starts an update of base.
func NewUpdate(base *Schema, lastColumnID int) *Update {
	return &Update{
		base:         base,
		lastColumnID: max(lastColumnID, base.HighestFieldID()),
		deletes:      make(map[int]bool),
		renames:      make(map[int]string),
		optional:     make(map[int]bool),
		docs:         make(map[int]string),
	}
}

func (u *Update) fail(column, format string, args ...any) *Update {
	if u.err == nil {
		u.err = &icetableerr.InvalidSchemaError{Column: column, Reason: fmt.Sprintf(format, args...)}
	}
	return u
}

func (u *Update) lookup(name string) (Column, bool) {
	c, ok := u.base.FindColumn(name)
	if !ok {
		u.fail(name, "column not found")
	}
	return c, ok
}

// AddColumn adds an optional top-level column. Required columns cannot be
// added because existing data files have no values for them.
func (u *Update) AddColumn(name string, t Type, doc string) *Update {
	if name == "" {
		return u.fail(name, "empty column name")
	}
	for _, a := range u.adds {
		if a.Name == name {
			return u.fail(name, "column added twice")
		}
	}
	u.adds = append(u.adds, Column{Name: name, Type: t, Doc: doc})
	return u
}

// DeleteColumn removes a top-level column.
func (u *Update) DeleteColumn(name string) *Update {
	c, ok := u.lookup(name)
	if !ok {
		return u
	}
	if _, renamed := u.renames[c.ID]; renamed {
		return u.fail(name, "column is both renamed and deleted")
	}
	u.deletes[c.ID] = true
	return u
}

// RenameColumn renames a top-level column, keeping its id.
func (u *Update) RenameColumn(name, newName string) *Update {
	c, ok := u.lookup(name)
	if !ok {
		return u
	}
	if newName == "" {
		return u.fail(name, "empty new name")
	}
	if u.deletes[c.ID] {
		return u.fail(name, "column is both renamed and deleted")
	}
	u.renames[c.ID] = newName
	return u
}

// MakeOptional relaxes a required column to nullable.
func (u *Update) MakeOptional(name string) *Update {
	if c, ok := u.lookup(name); ok {
		u.optional[c.ID] = true
	}
	return u
}

// UpdateDoc replaces the doc string of a column.
func (u *Update) UpdateDoc(name, doc string) *Update {
	if c, ok := u.lookup(name); ok {
		u.docs[c.ID] = doc
	}
	return u
}

// Apply returns the evolved schema, with id base.ID+1, and the new highest
// assigned column id.
func (u *Update) Apply() (*Schema, int, error) {
	if u.err != nil {
		return nil, 0, u.err
	}
	var cols []Column
	for _, c := range u.base.Columns {
		if u.deletes[c.ID] {
			continue
		}
		if n, ok := u.renames[c.ID]; ok {
			c.Name = n
		}
		if u.optional[c.ID] {
			c.Required = false
		}
		if d, ok := u.docs[c.ID]; ok {
			c.Doc = d
		}
		cols = append(cols, c)
	}

	last := u.lastColumnID
	next := func() int {
		last++
		return last
	}
	for _, a := range u.adds {
		id := next()
		cols = append(cols, Column{ID: id, Name: a.Name, Type: assignIDs(a.Type, next), Doc: a.Doc})
	}

	if len(cols) == 0 {
		return nil, 0, &icetableerr.InvalidSchemaError{Reason: "update would delete every column"}
	}
	out, err := New(u.base.ID+1, cols...)
	if err != nil {
		return nil, 0, err
	}
	return out, last, nil
}

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/florinutz/icetable/icetableerr"
)

// Column is a named, typed field. Its ID is its identity across schema
// evolution: renames keep it and a dropped id is never handed out again.
type Column struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Type     Type   `json:"type"`
	Doc      string `json:"doc,omitempty"`
}

func (c *Column) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID       int             `json:"id"`
		Name     string          `json:"name"`
		Required bool            `json:"required"`
		Type     json.RawMessage `json:"type"`
		Doc      string          `json:"doc"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, err := unmarshalType(raw.Type)
	if err != nil {
		return fmt.Errorf("column %q: %w", raw.Name, err)
	}
	*c = Column{ID: raw.ID, Name: raw.Name, Required: raw.Required, Type: t, Doc: raw.Doc}
	return nil
}

// Schema is an ordered set of top-level columns with a schema id.
type Schema struct {
	ID      int
	Columns []Column
}

// New builds and validates a schema from columns whose ids are already set.
func New(id int, cols ...Column) (*Schema, error) {
	s := &Schema{ID: id, Columns: cols}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

type schemaJSON struct {
	Type   string   `json:"type"`
	ID     int      `json:"schema-id"`
	Fields []Column `json:"fields"`
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	cols := s.Columns
	if cols == nil {
		cols = []Column{}
	}
	return json.Marshal(schemaJSON{Type: "struct", ID: s.ID, Fields: cols})
}

func (s *Schema) UnmarshalJSON(b []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.Columns = raw.Fields
	return nil
}

// Validate checks that ids are positive and unique across all nesting levels
// and that names are unique within each struct.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return &icetableerr.InvalidSchemaError{Reason: "schema has no columns"}
	}
	seen := make(map[int]string)
	return validateFields(s.Columns, seen)
}

func validateFields(cols []Column, seen map[int]string) error {
	names := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return &icetableerr.InvalidSchemaError{Reason: fmt.Sprintf("column %d has no name", c.ID)}
		}
		if names[c.Name] {
			return &icetableerr.InvalidSchemaError{Column: c.Name, Reason: "duplicate column name"}
		}
		names[c.Name] = true
		if err := claimID(c.ID, c.Name, seen); err != nil {
			return err
		}
		if err := validateType(c.Name, c.Type, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateType(name string, t Type, seen map[int]string) error {
	switch tt := t.(type) {
	case nil:
		return &icetableerr.InvalidSchemaError{Column: name, Reason: "missing type"}
	case PrimitiveType:
		if _, ok := primitives[string(tt)]; !ok {
			return &icetableerr.InvalidSchemaError{Column: name, Reason: fmt.Sprintf("unknown type %q", string(tt))}
		}
	case *ListType:
		if err := claimID(tt.ElementID, name+".element", seen); err != nil {
			return err
		}
		return validateType(name+".element", tt.Element, seen)
	case *StructType:
		return validateFields(tt.Fields, seen)
	}
	return nil
}

func claimID(id int, name string, seen map[int]string) error {
	if id <= 0 {
		return &icetableerr.InvalidSchemaError{Column: name, Reason: fmt.Sprintf("field id %d is not positive", id)}
	}
	if prev, ok := seen[id]; ok {
		return &icetableerr.InvalidSchemaError{Column: name, Reason: fmt.Sprintf("field id %d already used by %q", id, prev)}
	}
	seen[id] = name
	return nil
}

// FindColumn returns the top-level column with the given name.
func (s *Schema) FindColumn(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByID returns the top-level column with the given id.
func (s *Schema) ColumnByID(id int) (Column, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the top-level column names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// HighestFieldID returns the largest id used anywhere in the schema.
func (s *Schema) HighestFieldID() int {
	highest := 0
	var walk func(Type)
	walk = func(t Type) {
		switch tt := t.(type) {
		case *ListType:
			highest = max(highest, tt.ElementID)
			walk(tt.Element)
		case *StructType:
			for _, f := range tt.Fields {
				highest = max(highest, f.ID)
				walk(f.Type)
			}
		}
	}
	for _, c := range s.Columns {
		highest = max(highest, c.ID)
		walk(c.Type)
	}
	return highest
}

// Equivalent reports whether both schemas have the same columns, ignoring schema ids.
func (s *Schema) Equivalent(o *Schema) bool {
	a, err1 := json.Marshal(s.Columns)
	b, err2 := json.Marshal(o.Columns)
	return err1 == nil && err2 == nil && string(a) == string(b)
}

// Select returns a schema with only the named top-level columns, in the
// order given.
func (s *Schema) Select(names ...string) (*Schema, error) {
	out := &Schema{ID: s.ID}
	for _, n := range names {
		c, ok := s.FindColumn(n)
		if !ok {
			return nil, &icetableerr.InvalidSchemaError{Column: n, Reason: "not in schema"}
		}
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

// Builder assembles a fresh schema, assigning field ids in declaration order
// starting at 1.
type Builder struct {
	cols []Column
	next int
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) nextID() int {
	b.next++
	return b.next
}

// Required adds a non-nullable column.
func (b *Builder) Required(name string, t Type) *Builder { return b.add(name, t, true) }

// Optional adds a nullable column.
func (b *Builder) Optional(name string, t Type) *Builder { return b.add(name, t, false) }

func (b *Builder) add(name string, t Type, required bool) *Builder {
	id := b.nextID()
	b.cols = append(b.cols, Column{ID: id, Name: name, Required: required, Type: assignIDs(t, b.nextID)})
	return b
}

// Build returns the schema with id 0.
func (b *Builder) Build() (*Schema, error) {
	return New(0, b.cols...)
}

// Record is one row keyed by top-level column name. A missing key and a nil
// value both mean null.
type Record map[string]any

// Normalize validates rec against the schema and returns a copy holding one
// canonical value (or nil) per column.
func (s *Schema) Normalize(rec Record) (Record, error) {
	for k := range rec {
		if _, ok := s.FindColumn(k); !ok {
			return nil, &icetableerr.InvalidSchemaError{Column: k, Reason: "not in schema"}
		}
	}
	out := make(Record, len(s.Columns))
	for _, c := range s.Columns {
		v, err := coerceField(c, rec[c.Name])
		if err != nil {
			return nil, err
		}
		out[c.Name] = v
	}
	return out, nil
}

func coerceField(c Column, v any) (any, error) {
	if v == nil {
		if c.Required {
			return nil, &icetableerr.InvalidSchemaError{Column: c.Name, Reason: "required column is null"}
		}
		return nil, nil
	}
	out, err := Coerce(c.Type, v)
	if err != nil {
		return nil, &icetableerr.InvalidSchemaError{Column: c.Name, Reason: err.Error()}
	}
	return out, nil
}

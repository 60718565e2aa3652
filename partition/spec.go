package partition

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/schema"
)

// FirstFieldID is the id given to the first partition field of a table.
// Partition field ids live in their own range, above column ids.
const FirstFieldID = 1000

// Field derives one partition value from one source column.
type Field struct {
	SourceID  int
	FieldID   int
	Name      string
	Transform Transform
}

type fieldJSON struct {
	SourceID  int    `json:"source-id"`
	FieldID   int    `json:"field-id"`
	Name      string `json:"name"`
	Transform string `json:"transform"`
}

func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldJSON{SourceID: f.SourceID, FieldID: f.FieldID, Name: f.Name, Transform: f.Transform.String()})
}

func (f *Field) UnmarshalJSON(b []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, err := ParseTransform(raw.Transform)
	if err != nil {
		return fmt.Errorf("partition field %q: %w", raw.Name, err)
	}
	*f = Field{SourceID: raw.SourceID, FieldID: raw.FieldID, Name: raw.Name, Transform: t}
	return nil
}

// Spec is an ordered list of partition fields.
type Spec struct {
	ID     int     `json:"spec-id"`
	Fields []Field `json:"fields"`
}

// Unpartitioned returns the spec with no fields and id 0.
func Unpartitioned() *Spec {
	return &Spec{ID: 0, Fields: []Field{}}
}

func (s *Spec) IsUnpartitioned() bool { return len(s.Fields) == 0 }

// LastFieldID returns the highest partition field id, or FirstFieldID-1 if
// there are none.
func (s *Spec) LastFieldID() int {
	last := FirstFieldID - 1
	for _, f := range s.Fields {
		last = max(last, f.FieldID)
	}
	return last
}

// Equivalent reports whether both specs partition the same way, ignoring
// spec and field ids.
func (s *Spec) Equivalent(o *Spec) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i, f := range s.Fields {
		g := o.Fields[i]
		if f.SourceID != g.SourceID || f.Name != g.Name || f.Transform.String() != g.Transform.String() {
			return false
		}
	}
	return true
}

func (s *Spec) String() string {
	if s.IsUnpartitioned() {
		return "[]"
	}
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = fmt.Sprintf("%d: %s: %s(%d)", f.FieldID, f.Name, f.Transform, f.SourceID)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Validate checks the spec against sc: every source column exists, is
// primitive, and accepts its transform.
func (s *Spec) Validate(sc *schema.Schema) error {
	for _, f := range s.Fields {
		if _, err := sourceType(sc, f); err != nil {
			return err
		}
	}
	return nil
}

func sourceType(sc *schema.Schema, f Field) (schema.PrimitiveType, error) {
	col, ok := sc.ColumnByID(f.SourceID)
	if !ok {
		return "", &icetableerr.InvalidSpecError{Field: f.Name, Reason: fmt.Sprintf("source column %d not in schema", f.SourceID)}
	}
	if !f.Transform.CanTransform(col.Type) {
		return "", &icetableerr.InvalidSpecError{Field: f.Name, Reason: fmt.Sprintf("transform %s cannot be applied to %s column %q", f.Transform, col.Type, col.Name)}
	}
	return col.Type.(schema.PrimitiveType), nil
}

// ResultType returns the type of the partition value produced by f.
func (s *Spec) ResultType(sc *schema.Schema, f Field) (schema.PrimitiveType, error) {
	src, err := sourceType(sc, f)
	if err != nil {
		return "", err
	}
	return f.Transform.ResultType(src), nil
}

// Values is a partition tuple keyed by partition field id.
type Values map[int]any

// Partition derives the partition tuple for a normalized record.
func (s *Spec) Partition(sc *schema.Schema, rec schema.Record) (Values, error) {
	out := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		src, err := sourceType(sc, f)
		if err != nil {
			return nil, err
		}
		col, _ := sc.ColumnByID(f.SourceID)
		v, err := f.Transform.Apply(src, rec[col.Name])
		if err != nil {
			return nil, fmt.Errorf("partition field %s: %w", f.Name, err)
		}
		out[f.FieldID] = v
	}
	return out, nil
}

// Path renders a partition tuple as name=value path segments, e.g.
// "event_time_hour=2024-03-05-10". An unpartitioned spec yields "".
func (s *Spec) Path(v Values) string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = url.PathEscape(f.Name) + "=" + url.PathEscape(f.Transform.ToHumanString(v[f.FieldID]))
	}
	return strings.Join(parts, "/")
}

// Key returns a stable string identifying a partition tuple, used to group rows.
func (s *Spec) Key(v Values) string {
	var b strings.Builder
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "%d=%#v;", f.FieldID, v[f.FieldID])
	}
	return b.String()
}

// Builder validates and assembles a partition spec for a schema.
type Builder struct {
	schema *schema.Schema
	specID int
	nextID int
	fields []Field
	err    error
}

// NewBuilder starts a spec for sc with id 0 and field ids from FirstFieldID.
func NewBuilder(sc *schema.Schema) *Builder {
	return &Builder{schema: sc, nextID: FirstFieldID}
}

// WithSpecID sets the spec id.
func (b *Builder) WithSpecID(id int) *Builder {
	b.specID = id
	return b
}

// StartingFieldID sets the id of the next partition field added.
func (b *Builder) StartingFieldID(id int) *Builder {
	b.nextID = id
	return b
}

func (b *Builder) Identity(column string) *Builder { return b.Add(column, Identity{}, "") }
func (b *Builder) Year(column string) *Builder     { return b.Add(column, Year{}, "") }
func (b *Builder) Month(column string) *Builder    { return b.Add(column, Month{}, "") }
func (b *Builder) Day(column string) *Builder      { return b.Add(column, Day{}, "") }
func (b *Builder) Hour(column string) *Builder     { return b.Add(column, Hour{}, "") }

func (b *Builder) Bucket(column string, n int) *Builder {
	if n <= 0 {
		return b.fail(column, fmt.Sprintf("bucket count %d must be positive", n))
	}
	return b.Add(column, Bucket{N: n}, "")
}

func (b *Builder) Truncate(column string, width int) *Builder {
	if width <= 0 {
		return b.fail(column, fmt.Sprintf("truncate width %d must be positive", width))
	}
	return b.Add(column, Truncate{Width: width}, "")
}

func (b *Builder) fail(field, reason string) *Builder {
	if b.err == nil {
		b.err = &icetableerr.InvalidSpecError{Field: field, Reason: reason}
	}
	return b
}

// Add appends a field applying t to column. An empty name gets the default
// "<column>_<transform>" (or the column name for identity).
func (b *Builder) Add(column string, t Transform, name string) *Builder {
	col, ok := b.schema.FindColumn(column)
	if !ok {
		return b.fail(column, "source column not in schema")
	}
	if !t.CanTransform(col.Type) {
		return b.fail(column, fmt.Sprintf("transform %s cannot be applied to %s", t, col.Type))
	}
	if name == "" {
		name = defaultName(column, t)
	}
	for _, f := range b.fields {
		if f.Name == name {
			return b.fail(name, "duplicate partition field name")
		}
		if f.SourceID == col.ID && f.Transform.String() == t.String() {
			return b.fail(name, fmt.Sprintf("column %q is already partitioned by %s", column, t))
		}
	}
	if _, isIdentity := t.(Identity); !isIdentity || name != column {
		if _, clash := b.schema.FindColumn(name); clash {
			return b.fail(name, "partition field name conflicts with a column name")
		}
	}
	b.fields = append(b.fields, Field{SourceID: col.ID, FieldID: b.nextID, Name: name, Transform: t})
	b.nextID++
	return b
}

func defaultName(column string, t Transform) string {
	switch t.(type) {
	case Identity:
		return column
	case Bucket:
		return column + "_bucket"
	case Truncate:
		return column + "_trunc"
	}
	return column + "_" + t.String()
}

// Build returns the spec or the first validation failure.
func (b *Builder) Build() (*Spec, error) {
	if b.err != nil {
		return nil, b.err
	}
	fields := make([]Field, len(b.fields))
	copy(fields, b.fields)
	return &Spec{ID: b.specID, Fields: fields}, nil
}

var fieldExprRe = regexp.MustCompile(`^\s*([a-z]+(?:\[\d+\])?)\s*\(\s*([^)\s]+)\s*\)\s*$`)

// ParseField parses a partition expression such as "hour(event_time)",
// "bucket[16](userid)" or a bare column name (identity).
func ParseField(expr string) (column string, t Transform, err error) {
	if m := fieldExprRe.FindStringSubmatch(expr); m != nil {
		t, err = ParseTransform(m[1])
		if err != nil {
			return "", nil, &icetableerr.InvalidSpecError{Field: expr, Reason: err.Error()}
		}
		return m[2], t, nil
	}
	column = strings.TrimSpace(expr)
	if column == "" || strings.ContainsAny(column, "()[] ") {
		return "", nil, &icetableerr.InvalidSpecError{Field: expr, Reason: "cannot parse partition expression"}
	}
	return column, Identity{}, nil
}

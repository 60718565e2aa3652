package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is a column type: a PrimitiveType, *ListType or *StructType.
type Type interface {
	String() string
	isType()
}

// PrimitiveType is a scalar type, named as it appears in metadata JSON.
type PrimitiveType string

const (
	Boolean     PrimitiveType = "boolean"
	Int         PrimitiveType = "int"
	Long        PrimitiveType = "long"
	Float       PrimitiveType = "float"
	Double      PrimitiveType = "double"
	Date        PrimitiveType = "date"
	Time        PrimitiveType = "time"
	Timestamp   PrimitiveType = "timestamp"
	TimestampTz PrimitiveType = "timestamptz"
	String      PrimitiveType = "string"
	UUID        PrimitiveType = "uuid"
	Binary      PrimitiveType = "binary"
)

var primitives = map[string]PrimitiveType{
	"boolean":     Boolean,
	"int":         Int,
	"long":        Long,
	"float":       Float,
	"double":      Double,
	"date":        Date,
	"time":        Time,
	"timestamp":   Timestamp,
	"timestamptz": TimestampTz,
	"string":      String,
	"uuid":        UUID,
	"binary":      Binary,
}

func (t PrimitiveType) String() string { return string(t) }
func (PrimitiveType) isType()          {}

// ListType is a repeated element of one type. The element has its own field id.
type ListType struct {
	ElementID       int
	Element         Type
	ElementRequired bool
}

func (t *ListType) String() string { return "list<" + t.Element.String() + ">" }
func (*ListType) isType()          {}

func (t *ListType) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type            string `json:"type"`
		ElementID       int    `json:"element-id"`
		Element         Type   `json:"element"`
		ElementRequired bool   `json:"element-required"`
	}{"list", t.ElementID, t.Element, t.ElementRequired})
}

// StructType is a nested record of named fields.
type StructType struct {
	Fields []Column
}

func (t *StructType) String() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f.Name + ": " + f.Type.String()
	}
	return "struct<" + strings.Join(parts, ", ") + ">"
}
func (*StructType) isType() {}

func (t *StructType) MarshalJSON() ([]byte, error) {
	fields := t.Fields
	if fields == nil {
		fields = []Column{}
	}
	return json.Marshal(struct {
		Type   string   `json:"type"`
		Fields []Column `json:"fields"`
	}{"struct", fields})
}

// Field returns the struct field with the given name.
func (t *StructType) Field(name string) (Column, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Column{}, false
}

func unmarshalType(raw json.RawMessage) (Type, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		p, ok := primitives[name]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", name)
		}
		return p, nil
	}

	var head struct {
		Type            string          `json:"type"`
		ElementID       int             `json:"element-id"`
		Element         json.RawMessage `json:"element"`
		ElementRequired bool            `json:"element-required"`
		Fields          []Column        `json:"fields"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode type: %w", err)
	}
	switch head.Type {
	case "list":
		if len(head.Element) == 0 {
			return nil, fmt.Errorf("list type without element")
		}
		elem, err := unmarshalType(head.Element)
		if err != nil {
			return nil, err
		}
		return &ListType{ElementID: head.ElementID, Element: elem, ElementRequired: head.ElementRequired}, nil
	case "struct":
		return &StructType{Fields: head.Fields}, nil
	default:
		return nil, fmt.Errorf("unknown nested type %q", head.Type)
	}
}

// ParseType parses a type expression such as "long", "list<string>" or
// "struct<name: string, tags: list<string>>". Nested field ids are left at
// zero; a Builder or Update assigns them.
func ParseType(expr string) (Type, error) {
	expr = strings.TrimSpace(expr)
	lower := strings.ToLower(expr)
	if p, ok := primitives[lower]; ok {
		return p, nil
	}
	switch {
	case strings.HasPrefix(lower, "list<") && strings.HasSuffix(expr, ">"):
		elem, err := ParseType(expr[len("list<") : len(expr)-1])
		if err != nil {
			return nil, err
		}
		return &ListType{Element: elem}, nil
	case strings.HasPrefix(lower, "struct<") && strings.HasSuffix(expr, ">"):
		body := expr[len("struct<") : len(expr)-1]
		var fields []Column
		for _, part := range splitTopLevel(body) {
			name, typ, ok := strings.Cut(part, ":")
			if !ok {
				return nil, fmt.Errorf("struct field %q: expected name: type", part)
			}
			ft, err := ParseType(typ)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Column{Name: strings.TrimSpace(name), Type: ft})
		}
		return &StructType{Fields: fields}, nil
	}
	return nil, fmt.Errorf("unknown type %q", expr)
}

func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// assignIDs returns a deep copy of t with every nested field id taken from next.
func assignIDs(t Type, next func() int) Type {
	switch tt := t.(type) {
	case *ListType:
		id := next()
		return &ListType{ElementID: id, Element: assignIDs(tt.Element, next), ElementRequired: tt.ElementRequired}
	case *StructType:
		fields := make([]Column, len(tt.Fields))
		for i, f := range tt.Fields {
			f.ID = next()
			f.Type = assignIDs(f.Type, next)
			fields[i] = f
		}
		return &StructType{Fields: fields}
	default:
		return t
	}
}

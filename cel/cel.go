// Package cel compiles row filters written in CEL against a table schema.
package cel

import (
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/florinutz/icetable/schema"
)

// Program is a compiled CEL expression ready for evaluation.
type Program struct {
	expr    string
	program cel.Program
	columns []string
	refs    []string // columns the expression reads
}

// Compile compiles a CEL row filter. Every top-level column of sc is
// available as a variable of dynamic type, so nullable columns can be
// compared with null:
//
//	level == "ERROR" && message.contains("timeout")
//	event_time > timestamp("2024-03-05T10:00:00Z")
//	call_stack != null && size(call_stack) > 0
func Compile(expr string, sc *schema.Schema) (*Program, error) {
	opts := make([]cel.EnvOption, 0, len(sc.Columns))
	for _, c := range sc.Columns {
		opts = append(opts, cel.Variable(c.Name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile cel expression: %w", issues.Err())
	}

	// Dynamic results are checked per row in Eval.
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("cel expression must return bool, got %v", t)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program cel expression: %w", err)
	}

	return &Program{expr: expr, program: prg, columns: sc.Names(), refs: referencedColumns(ast, sc.Names())}, nil
}

func referencedColumns(ast *cel.Ast, columns []string) []string {
	var refs []string
	for _, ref := range ast.NativeRep().ReferenceMap() {
		if ref.Name != "" && slices.Contains(columns, ref.Name) && !slices.Contains(refs, ref.Name) {
			refs = append(refs, ref.Name)
		}
	}
	slices.Sort(refs)
	return refs
}

func (p *Program) String() string { return p.expr }

// Eval evaluates the expression against a normalized record. Columns the
// record lacks are bound to null. An evaluation error while a referenced
// column is null is no match, like a comparison with NULL in SQL; any other
// evaluation error is returned.
func (p *Program) Eval(rec schema.Record) (bool, error) {
	vars := make(map[string]any, len(p.columns))
	for _, name := range p.columns {
		vars[name] = celValue(rec[name])
	}

	out, _, err := p.program.Eval(vars)
	if err != nil {
		if p.readsNull(vars) {
			return false, nil
		}
		return false, fmt.Errorf("eval cel: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel result is not bool: %T", out.Value())
	}
	return b, nil
}

func (p *Program) readsNull(vars map[string]any) bool {
	for _, name := range p.refs {
		if vars[name] == nil {
			return true
		}
	}
	return false
}

// celValue maps canonical column values onto types the CEL runtime adapts.
func celValue(v any) any {
	switch v := v.(type) {
	case uuid.UUID:
		return v.String()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = celValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = celValue(e)
		}
		return out
	}
	return v
}

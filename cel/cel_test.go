package cel

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/icetable/schema"
)

func logsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.NewBuilder().
		Required("level", schema.String).
		Required("event_time", schema.TimestampTz).
		Required("message", schema.String).
		Optional("call_stack", &schema.ListType{Element: schema.String, ElementRequired: true}).
		Optional("severity", schema.Int).
		Optional("request_id", schema.UUID).
		Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return sc
}

func TestCompile_ValidExpression(t *testing.T) {
	prg, err := Compile("level == 'ERROR'", logsSchema(t))
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if prg == nil {
		t.Fatal("expected non-nil program")
	}
	if prg.String() != "level == 'ERROR'" {
		t.Errorf("String() = %q", prg.String())
	}
}

func TestCompile_InvalidExpression(t *testing.T) {
	_, err := Compile("level ==== 'ERROR'", logsSchema(t))
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestCompile_UnknownColumn(t *testing.T) {
	_, err := Compile("user_id == 1", logsSchema(t))
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestCompile_NonBoolResult(t *testing.T) {
	_, err := Compile("'literal'", logsSchema(t))
	if err == nil {
		t.Fatal("expected error for non-bool expression")
	}
}

func TestEval(t *testing.T) {
	sc := logsSchema(t)
	rid := uuid.MustParse("f79c3e09-677c-4bbd-a479-3f349cb785e7")
	rec := schema.Record{
		"level":      "ERROR",
		"event_time": time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC),
		"message":    "connection timeout",
		"call_stack": []any{"main", "dial"},
		"severity":   int32(4),
		"request_id": rid,
	}

	tests := []struct {
		name string
		expr string
		rec  schema.Record
		want bool
	}{
		{"string match", `level == "ERROR"`, rec, true},
		{"string no match", `level == "INFO"`, rec, false},
		{"contains", `message.contains("timeout")`, rec, true},
		{"timestamp", `event_time > timestamp("2024-03-05T10:00:00Z")`, rec, true},
		{"int column", `severity >= 3`, rec, true},
		{"list size", `size(call_stack) == 2`, rec, true},
		{"uuid as string", `request_id == "f79c3e09-677c-4bbd-a479-3f349cb785e7"`, rec, true},
		{"null check", `call_stack == null`, schema.Record{"level": "INFO"}, true},
		{"combined", `level == "ERROR" && severity > 10`, rec, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg, err := Compile(tt.expr, sc)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := prg.Eval(tt.rec)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEval_NullOperandIsNoMatch(t *testing.T) {
	prg, err := Compile("severity > 3", logsSchema(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, rec := range []schema.Record{
		{"level": "INFO", "severity": nil},
		{"level": "INFO"},
	} {
		got, err := prg.Eval(rec)
		if err != nil {
			t.Errorf("Eval(%v) err = %v, want no match without error", rec, err)
		}
		if got {
			t.Errorf("Eval(%v) matched a null operand", rec)
		}
	}
}

func TestEval_TypeMismatchIsAnError(t *testing.T) {
	prg, err := Compile("level > 3", logsSchema(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// severity is null but not referenced, so it cannot excuse the error.
	if _, err := prg.Eval(schema.Record{"level": "INFO", "severity": nil}); err == nil {
		t.Error("expected an evaluation error for string > int")
	}
}

func TestEval_NonBoolDynamicResult(t *testing.T) {
	prg, err := Compile("level", logsSchema(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := prg.Eval(schema.Record{"level": "INFO"}); err == nil {
		t.Error("expected error for non-bool result")
	}
}

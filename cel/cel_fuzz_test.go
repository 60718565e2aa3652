//go:build !integration

package cel

import (
	"testing"

	"github.com/florinutz/icetable/schema"
)

func FuzzCompile(f *testing.F) {
	// Seed corpus: valid CEL expressions.
	seeds := []string{
		`level == "ERROR"`,
		`message.contains("timeout")`,
		`level == "ERROR" && message != ""`,
		`event_time > timestamp("2024-03-05T10:00:00Z")`,
		`level.startsWith("W")`,
		`level == "WARN" || level == "ERROR"`,
		`call_stack == null`,
		// Invalid and edge-case inputs.
		"",
		"not valid cel",
		"level ==",
		"(((",
		"1/0",
		"level + 1",
		"unknown_var == true",
		`level == "x" &&`,
		`"unclosed string`,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	sc, err := schema.NewBuilder().
		Required("level", schema.String).
		Required("event_time", schema.TimestampTz).
		Required("message", schema.String).
		Optional("call_stack", &schema.ListType{Element: schema.String}).
		Build()
	if err != nil {
		f.Fatalf("build schema: %v", err)
	}

	f.Fuzz(func(t *testing.T, expr string) {
		// Must never panic; errors are expected for bad input.
		prg, err := Compile(expr, sc)
		if err != nil {
			return
		}
		_, _ = prg.Eval(schema.Record{"level": "INFO", "message": "m"})
	})
}

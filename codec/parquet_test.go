package codec_test

import (
	"bytes"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/florinutz/icetable/codec"
	"github.com/florinutz/icetable/schema"
)

func allTypesSchema(t *testing.T) *schema.Schema {
	t.Helper()
	addr, err := schema.ParseType("struct<city: string, zip: int>")
	if err != nil {
		t.Fatal(err)
	}
	sc, err := schema.NewBuilder().
		Required("id", schema.Long).
		Optional("flag", schema.Boolean).
		Optional("small", schema.Int).
		Optional("ratio", schema.Float).
		Optional("score", schema.Double).
		Optional("day", schema.Date).
		Optional("at", schema.Time).
		Optional("local_ts", schema.Timestamp).
		Optional("event_time", schema.TimestampTz).
		Optional("name", schema.String).
		Optional("event_id", schema.UUID).
		Optional("blob", schema.Binary).
		Optional("tags", &schema.ListType{Element: schema.String}).
		Optional("address", addr).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func normalize(t *testing.T, sc *schema.Schema, raw ...schema.Record) []schema.Record {
	t.Helper()
	out := make([]schema.Record, len(raw))
	for i, r := range raw {
		n, err := sc.Normalize(r)
		if err != nil {
			t.Fatalf("normalize row %d: %v", i, err)
		}
		out[i] = n
	}
	return out
}

func collect(t *testing.T, c codec.Codec, sc *schema.Schema, data []byte) []schema.Record {
	t.Helper()
	var out []schema.Record
	for rec, err := range c.Decode(sc, data) {
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func equalValue(a, b any) bool {
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValue(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k := range x {
			if !equalValue(x[k], y[k]) {
				return false
			}
		}
		return true
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case nil:
		return b == nil
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b) && schema.Compare(a, b) == 0
}

func TestParquetRoundTrip(t *testing.T) {
	sc := allTypesSchema(t)
	rows := normalize(t, sc,
		schema.Record{
			"id":         int64(1),
			"flag":       true,
			"small":      int32(-7),
			"ratio":      float32(0.5),
			"score":      99.25,
			"day":        "2024-03-05",
			"at":         "10:30:00.000123",
			"local_ts":   "2024-03-05T10:00:00.5",
			"event_time": time.Date(2024, 3, 5, 10, 42, 1, 999000, time.UTC),
			"name":       "Bruce",
			"event_id":   uuid.MustParse("f79c3e09-677c-4bbd-a479-3f349cb785e7"),
			"blob":       []byte{0xde, 0xad},
			"tags":       []any{"a", nil, "c"},
			"address":    map[string]any{"city": "Gotham", "zip": 12345},
		},
		schema.Record{"id": int64(2)},
	)

	c := codec.NewParquet()
	data, stats, err := c.Encode(sc, rows)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if stats.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", stats.RecordCount)
	}

	got := collect(t, c, sc, data)
	if len(got) != len(rows) {
		t.Fatalf("decoded %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		for _, col := range sc.Columns {
			if !equalValue(rows[i][col.Name], got[i][col.Name]) {
				t.Errorf("row %d %s: got %#v, want %#v", i, col.Name, got[i][col.Name], rows[i][col.Name])
			}
		}
	}
}

func TestParquetRoundTripNonFiniteNested(t *testing.T) {
	reading, err := schema.ParseType("struct<sensor: string, value: double, scale: float>")
	if err != nil {
		t.Fatal(err)
	}
	sc, err := schema.NewBuilder().
		Required("id", schema.Long).
		Optional("score", schema.Double).
		Optional("samples", &schema.ListType{Element: schema.Double}).
		Optional("reading", reading).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	rows := normalize(t, sc, schema.Record{
		"id":      int64(1),
		"score":   math.NaN(),
		"samples": []any{1.0, math.NaN(), math.Inf(1), math.Inf(-1)},
		"reading": map[string]any{"sensor": "t1", "value": math.Inf(-1), "scale": float32(math.NaN())},
	})

	c := codec.NewParquet()
	data, _, err := c.Encode(sc, rows)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := collect(t, c, sc, data)
	if len(got) != 1 {
		t.Fatalf("decoded %d rows, want 1", len(got))
	}
	for _, col := range sc.Columns {
		if !equalValue(rows[0][col.Name], got[0][col.Name]) {
			t.Errorf("%s: got %#v, want %#v", col.Name, got[0][col.Name], rows[0][col.Name])
		}
	}
}

func TestParquetFileIsReadable(t *testing.T) {
	sc := allTypesSchema(t)
	rows := normalize(t, sc, schema.Record{"id": 1}, schema.Record{"id": 2}, schema.Record{"id": 3})
	data, _, err := codec.NewParquet().Encode(sc, rows)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	if pf.NumRows() != 3 {
		t.Errorf("NumRows = %d, want 3", pf.NumRows())
	}
}

func TestParquetProjectionByFieldID(t *testing.T) {
	base, err := schema.NewBuilder().
		Required("id", schema.Long).
		Optional("level", schema.String).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	c := codec.NewParquet()
	data, _, err := c.Encode(base, normalize(t, base, schema.Record{"id": 1, "level": "INFO"}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	evolved, _, err := schema.NewUpdate(base, 2).
		RenameColumn("level", "severity").
		AddColumn("host", schema.String, "").
		Apply()
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}

	got := collect(t, c, evolved, data)
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if got[0]["severity"] != "INFO" {
		t.Errorf("severity = %v, want INFO", got[0]["severity"])
	}
	if v, ok := got[0]["host"]; !ok || v != nil {
		t.Errorf("host = %v (present %v), want null", v, ok)
	}
	if _, ok := got[0]["level"]; ok {
		t.Error("old column name should not appear")
	}
}

func TestDecodeCorruptData(t *testing.T) {
	sc := allTypesSchema(t)
	var sawErr bool
	for _, err := range codec.NewParquet().Decode(sc, []byte("not parquet")) {
		if err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("decoding garbage should yield an error")
	}
}

func TestComputeStats(t *testing.T) {
	sc, err := schema.NewBuilder().
		Required("n", schema.Int).
		Optional("s", schema.String).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	rows := normalize(t, sc,
		schema.Record{"n": 5, "s": "m"},
		schema.Record{"n": -2},
		schema.Record{"n": 9, "s": "a"},
	)
	st := codec.ComputeStats(sc, rows)
	if st.ValueCounts[1] != 3 || st.NullValueCounts[2] != 1 || st.NullValueCounts[1] != 0 {
		t.Errorf("counts = %v / %v", st.ValueCounts, st.NullValueCounts)
	}
	if st.LowerBounds[1] != int32(-2) || st.UpperBounds[1] != int32(9) {
		t.Errorf("int bounds = %v..%v", st.LowerBounds[1], st.UpperBounds[1])
	}
	if st.LowerBounds[2] != "a" || st.UpperBounds[2] != "m" {
		t.Errorf("string bounds = %v..%v", st.LowerBounds[2], st.UpperBounds[2])
	}
}

func TestToArrow(t *testing.T) {
	sc := allTypesSchema(t)
	rows := normalize(t, sc,
		schema.Record{"id": 1, "name": "a", "tags": []string{"x"}, "address": map[string]any{"city": "c"}},
		schema.Record{"id": 2},
	)
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec, err := codec.ToArrow(sc, rows, mem)
	if err != nil {
		t.Fatalf("to arrow: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 2 || int(rec.NumCols()) != len(sc.Columns) {
		t.Fatalf("shape = %dx%d", rec.NumRows(), rec.NumCols())
	}
	ids := rec.Column(0).(*array.Int64)
	if ids.Value(1) != 2 {
		t.Errorf("id[1] = %d, want 2", ids.Value(1))
	}
	names := rec.Column(9).(*array.String)
	if names.Value(0) != "a" || !names.IsNull(1) {
		t.Errorf("names = %v", names)
	}
	if tz := rec.Schema().Field(8).Type.(*arrow.TimestampType).TimeZone; tz != "UTC" {
		t.Errorf("event_time zone = %q, want UTC", tz)
	}
}

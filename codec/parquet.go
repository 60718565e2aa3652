package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/florinutz/icetable/schema"
)

// schemaKey is the footer key holding the JSON schema a file was written
// with. Decode uses it to map field ids to the file's column names.
const schemaKey = "icetable.schema"

const readBatchSize = 128

// Parquet is the Parquet codec. Primitive columns map to Parquet logical
// types; list and struct columns are stored as JSON.
type Parquet struct{}

func NewParquet() *Parquet { return &Parquet{} }

func (*Parquet) Format() string    { return "PARQUET" }
func (*Parquet) Extension() string { return ".parquet" }

func parquetNode(c schema.Column) parquet.Node {
	var n parquet.Node
	switch c.Type {
	case schema.Boolean:
		n = parquet.Leaf(parquet.BooleanType)
	case schema.Int:
		n = parquet.Int(32)
	case schema.Long:
		n = parquet.Int(64)
	case schema.Float:
		n = parquet.Leaf(parquet.FloatType)
	case schema.Double:
		n = parquet.Leaf(parquet.DoubleType)
	case schema.Date:
		n = parquet.Date()
	case schema.Time:
		n = parquet.Time(parquet.Microsecond)
	case schema.Timestamp, schema.TimestampTz:
		n = parquet.Timestamp(parquet.Microsecond)
	case schema.String:
		n = parquet.String()
	case schema.UUID:
		n = parquet.UUID()
	case schema.Binary:
		n = parquet.Leaf(parquet.ByteArrayType)
	default:
		n = parquet.JSON()
	}
	if !c.Required {
		n = parquet.Optional(n)
	}
	return n
}

func parquetSchema(sc *schema.Schema) *parquet.Schema {
	g := make(parquet.Group, len(sc.Columns))
	for _, c := range sc.Columns {
		g[c.Name] = parquetNode(c)
	}
	return parquet.NewSchema("table", g)
}

func (p *Parquet) Encode(sc *schema.Schema, rows []schema.Record) ([]byte, Stats, error) {
	meta, err := json.Marshal(sc)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("marshal schema: %w", err)
	}
	psc := parquetSchema(sc)

	idx := make([]int, len(sc.Columns))
	for i, c := range sc.Columns {
		leaf, ok := psc.Lookup(c.Name)
		if !ok {
			return nil, Stats{}, fmt.Errorf("column %q missing from parquet schema", c.Name)
		}
		idx[i] = leaf.ColumnIndex
	}
	width := len(psc.Columns())

	batch := make([]parquet.Row, 0, len(rows))
	for n, r := range rows {
		row := make(parquet.Row, width)
		for i, c := range sc.Columns {
			v, err := toParquetValue(c, r[c.Name])
			if err != nil {
				return nil, Stats{}, fmt.Errorf("row %d: %w", n, err)
			}
			def := 0
			if !c.Required && !v.IsNull() {
				def = 1
			}
			row[idx[i]] = v.Level(0, def, idx[i])
		}
		batch = append(batch, row)
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, psc,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(schemaKey, string(meta)),
	)
	if _, err := w.WriteRows(batch); err != nil {
		return nil, Stats{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, Stats{}, fmt.Errorf("close parquet writer: %w", err)
	}

	data := buf.Bytes()
	st := ComputeStats(sc, rows)
	if err := columnSizes(data, sc, st.ColumnSizes); err != nil {
		return nil, Stats{}, err
	}
	return data, st, nil
}

// columnSizes sums compressed chunk sizes per column from the file footer.
func columnSizes(data []byte, sc *schema.Schema, out map[int]int64) error {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("reopen parquet file: %w", err)
	}
	ids := make(map[string]int, len(sc.Columns))
	for _, c := range sc.Columns {
		ids[c.Name] = c.ID
	}
	for _, rg := range f.Metadata().RowGroups {
		for _, cc := range rg.Columns {
			path := cc.MetaData.PathInSchema
			if len(path) == 0 {
				continue
			}
			if id, ok := ids[path[0]]; ok {
				out[id] += cc.MetaData.TotalCompressedSize
			}
		}
	}
	return nil
}

func toParquetValue(c schema.Column, v any) (parquet.Value, error) {
	if v == nil {
		if c.Required {
			return parquet.Value{}, fmt.Errorf("required column %q is null", c.Name)
		}
		return parquet.NullValue(), nil
	}
	bad := func() (parquet.Value, error) {
		return parquet.Value{}, fmt.Errorf("column %q: unexpected %T for %s", c.Name, v, c.Type)
	}
	switch c.Type {
	case schema.Boolean:
		if b, ok := v.(bool); ok {
			return parquet.BooleanValue(b), nil
		}
	case schema.Int:
		if n, ok := v.(int32); ok {
			return parquet.Int32Value(n), nil
		}
	case schema.Long:
		if n, ok := v.(int64); ok {
			return parquet.Int64Value(n), nil
		}
	case schema.Float:
		if f, ok := v.(float32); ok {
			return parquet.FloatValue(f), nil
		}
	case schema.Double:
		if f, ok := v.(float64); ok {
			return parquet.DoubleValue(f), nil
		}
	case schema.Date:
		if ts, ok := v.(time.Time); ok {
			return parquet.Int32Value(schema.DaysSinceEpoch(ts)), nil
		}
	case schema.Time:
		if d, ok := v.(time.Duration); ok {
			return parquet.Int64Value(d.Microseconds()), nil
		}
	case schema.Timestamp, schema.TimestampTz:
		if ts, ok := v.(time.Time); ok {
			return parquet.Int64Value(ts.UnixMicro()), nil
		}
	case schema.String:
		if s, ok := v.(string); ok {
			return parquet.ByteArrayValue([]byte(s)), nil
		}
	case schema.UUID:
		if u, ok := v.(uuid.UUID); ok {
			return parquet.FixedLenByteArrayValue(u[:]), nil
		}
	case schema.Binary:
		if b, ok := v.([]byte); ok {
			return parquet.ByteArrayValue(b), nil
		}
	default:
		data, err := json.Marshal(jsonValue(c.Type, v))
		if err != nil {
			return parquet.Value{}, fmt.Errorf("column %q: encode json: %w", c.Name, err)
		}
		return parquet.ByteArrayValue(data), nil
	}
	return bad()
}

// jsonValue converts a canonical nested value into a form whose JSON
// encoding schema.Coerce reads back to the same value. Non-finite floats
// become the strings "NaN", "Infinity" and "-Infinity".
func jsonValue(t schema.Type, v any) any {
	if v == nil {
		return nil
	}
	switch tt := t.(type) {
	case *schema.ListType:
		in, _ := v.([]any)
		out := make([]any, len(in))
		for i, e := range in {
			out[i] = jsonValue(tt.Element, e)
		}
		return out
	case *schema.StructType:
		in, _ := v.(map[string]any)
		out := make(map[string]any, len(in))
		for _, f := range tt.Fields {
			out[f.Name] = jsonValue(f.Type, in[f.Name])
		}
		return out
	}
	switch x := v.(type) {
	case time.Time:
		if t == schema.Date {
			return x.Format(time.DateOnly)
		}
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return formatTimeOfDay(x)
	case uuid.UUID:
		return x.String()
	case float64:
		return finiteOrString(x, v)
	case float32:
		return finiteOrString(float64(x), v)
	}
	return v
}

func finiteOrString(f float64, v any) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return v
}

func formatTimeOfDay(d time.Duration) string {
	micros := d.Microseconds()
	h := micros / 3_600_000_000
	m := micros / 60_000_000 % 60
	s := micros / 1_000_000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%06d", h, m, s, micros%1_000_000)
}

type columnPlan struct {
	name  string
	typ   schema.Type
	index int // leaf column index in the file, -1 if absent
}

func (p *Parquet) Decode(sc *schema.Schema, data []byte) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			yield(nil, fmt.Errorf("open parquet file: %w", err))
			return
		}
		plan, err := planColumns(f, sc)
		if err != nil {
			yield(nil, err)
			return
		}

		buf := make([]parquet.Row, readBatchSize)
		for _, rg := range f.RowGroups() {
			if !readRowGroup(rg, plan, buf, yield) {
				return
			}
		}
	}
}

func readRowGroup(rg parquet.RowGroup, plan []columnPlan, buf []parquet.Row, yield func(schema.Record, error) bool) bool {
	rows := rg.Rows()
	defer rows.Close()
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			rec, decErr := decodeRow(row, plan)
			if !yield(rec, decErr) || decErr != nil {
				return false
			}
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			yield(nil, fmt.Errorf("read parquet rows: %w", err))
			return false
		}
	}
}

// planColumns maps each requested column to a file column. Files written by
// this codec carry their schema in the footer and are matched by field id;
// other files are matched by name.
func planColumns(f *parquet.File, sc *schema.Schema) ([]columnPlan, error) {
	var written *schema.Schema
	if raw, ok := f.Lookup(schemaKey); ok {
		written = &schema.Schema{}
		if err := json.Unmarshal([]byte(raw), written); err != nil {
			return nil, fmt.Errorf("decode file schema: %w", err)
		}
	}

	plan := make([]columnPlan, len(sc.Columns))
	for i, c := range sc.Columns {
		plan[i] = columnPlan{name: c.Name, typ: c.Type, index: -1}
		fileName := c.Name
		if written != nil {
			wc, ok := written.ColumnByID(c.ID)
			if !ok {
				continue
			}
			fileName = wc.Name
			plan[i].typ = wc.Type
		}
		if leaf, ok := f.Schema().Lookup(fileName); ok {
			plan[i].index = leaf.ColumnIndex
		}
	}
	return plan, nil
}

func decodeRow(row parquet.Row, plan []columnPlan) (schema.Record, error) {
	byColumn := make(map[int]parquet.Value, len(row))
	for _, v := range row {
		byColumn[v.Column()] = v
	}
	rec := make(schema.Record, len(plan))
	for _, p := range plan {
		v, ok := byColumn[p.index]
		if p.index < 0 || !ok || v.IsNull() {
			rec[p.name] = nil
			continue
		}
		out, err := fromParquetValue(p.typ, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", p.name, err)
		}
		rec[p.name] = out
	}
	return rec, nil
}

func fromParquetValue(t schema.Type, v parquet.Value) (any, error) {
	switch t {
	case schema.Boolean:
		return v.Boolean(), nil
	case schema.Int:
		return v.Int32(), nil
	case schema.Long:
		return v.Int64(), nil
	case schema.Float:
		return v.Float(), nil
	case schema.Double:
		return v.Double(), nil
	case schema.Date:
		return schema.DateFromDays(v.Int32()), nil
	case schema.Time:
		return time.Duration(v.Int64()) * time.Microsecond, nil
	case schema.Timestamp, schema.TimestampTz:
		return time.UnixMicro(v.Int64()).UTC(), nil
	case schema.String:
		return string(v.ByteArray()), nil
	case schema.UUID:
		return uuid.FromBytes(v.ByteArray())
	case schema.Binary:
		return bytes.Clone(v.ByteArray()), nil
	}

	dec := json.NewDecoder(bytes.NewReader(v.ByteArray()))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json value: %w", err)
	}
	return schema.Coerce(t, raw)
}

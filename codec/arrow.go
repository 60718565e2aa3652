package codec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/florinutz/icetable/schema"
)

// fieldIDKey is the Arrow field metadata key carrying the column's field id.
const fieldIDKey = "PARQUET:field_id"

// ArrowType maps a column type to its Arrow equivalent.
func ArrowType(t schema.Type) arrow.DataType {
	switch tt := t.(type) {
	case *schema.ListType:
		if tt.ElementRequired {
			return arrow.ListOfNonNullable(ArrowType(tt.Element))
		}
		return arrow.ListOf(ArrowType(tt.Element))
	case *schema.StructType:
		fields := make([]arrow.Field, len(tt.Fields))
		for i, f := range tt.Fields {
			fields[i] = arrowField(f)
		}
		return arrow.StructOf(fields...)
	}

	switch t {
	case schema.Boolean:
		return arrow.FixedWidthTypes.Boolean
	case schema.Int:
		return arrow.PrimitiveTypes.Int32
	case schema.Long:
		return arrow.PrimitiveTypes.Int64
	case schema.Float:
		return arrow.PrimitiveTypes.Float32
	case schema.Double:
		return arrow.PrimitiveTypes.Float64
	case schema.Date:
		return arrow.FixedWidthTypes.Date32
	case schema.Time:
		return arrow.FixedWidthTypes.Time64us
	case schema.Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case schema.TimestampTz:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case schema.UUID:
		return &arrow.FixedSizeBinaryType{ByteWidth: 16}
	case schema.Binary:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func arrowField(c schema.Column) arrow.Field {
	return arrow.Field{
		Name:     c.Name,
		Type:     ArrowType(c.Type),
		Nullable: !c.Required,
		Metadata: arrow.NewMetadata([]string{fieldIDKey}, []string{strconv.Itoa(c.ID)}),
	}
}

// ArrowSchema converts a table schema to an Arrow schema.
func ArrowSchema(sc *schema.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(sc.Columns))
	for i, c := range sc.Columns {
		fields[i] = arrowField(c)
	}
	return arrow.NewSchema(fields, nil)
}

// ToArrow builds one record batch from normalized rows. The caller releases it.
func ToArrow(sc *schema.Schema, rows []schema.Record, mem memory.Allocator) (arrow.RecordBatch, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, ArrowSchema(sc))
	defer b.Release()

	for n, r := range rows {
		for i, c := range sc.Columns {
			if err := appendValue(b.Field(i), c.Type, r[c.Name]); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", n, c.Name, err)
			}
		}
	}
	return b.NewRecordBatch(), nil
}

func appendValue(b array.Builder, t schema.Type, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch tt := t.(type) {
	case *schema.ListType:
		elems, ok := v.([]any)
		if !ok {
			return fmt.Errorf("unexpected %T for %s", v, t)
		}
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		for _, e := range elems {
			if err := appendValue(lb.ValueBuilder(), tt.Element, e); err != nil {
				return err
			}
		}
		return nil
	case *schema.StructType:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected %T for %s", v, t)
		}
		sb := b.(*array.StructBuilder)
		sb.Append(true)
		for i, f := range tt.Fields {
			if err := appendValue(sb.FieldBuilder(i), f.Type, m[f.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	ok := true
	switch t {
	case schema.Boolean:
		var x bool
		if x, ok = v.(bool); ok {
			b.(*array.BooleanBuilder).Append(x)
		}
	case schema.Int:
		var x int32
		if x, ok = v.(int32); ok {
			b.(*array.Int32Builder).Append(x)
		}
	case schema.Long:
		var x int64
		if x, ok = v.(int64); ok {
			b.(*array.Int64Builder).Append(x)
		}
	case schema.Float:
		var x float32
		if x, ok = v.(float32); ok {
			b.(*array.Float32Builder).Append(x)
		}
	case schema.Double:
		var x float64
		if x, ok = v.(float64); ok {
			b.(*array.Float64Builder).Append(x)
		}
	case schema.Date:
		var x time.Time
		if x, ok = v.(time.Time); ok {
			b.(*array.Date32Builder).Append(arrow.Date32(schema.DaysSinceEpoch(x)))
		}
	case schema.Time:
		var x time.Duration
		if x, ok = v.(time.Duration); ok {
			b.(*array.Time64Builder).Append(arrow.Time64(x.Microseconds()))
		}
	case schema.Timestamp, schema.TimestampTz:
		var x time.Time
		if x, ok = v.(time.Time); ok {
			b.(*array.TimestampBuilder).Append(arrow.Timestamp(x.UnixMicro()))
		}
	case schema.String:
		var x string
		if x, ok = v.(string); ok {
			b.(*array.StringBuilder).Append(x)
		}
	case schema.UUID:
		var x uuid.UUID
		if x, ok = v.(uuid.UUID); ok {
			b.(*array.FixedSizeBinaryBuilder).Append(x[:])
		}
	case schema.Binary:
		var x []byte
		if x, ok = v.([]byte); ok {
			b.(*array.BinaryBuilder).Append(x)
		}
	default:
		return fmt.Errorf("unsupported type %s", t)
	}
	if !ok {
		return fmt.Errorf("unexpected %T for %s", v, t)
	}
	return nil
}

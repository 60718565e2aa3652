package schema

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Canonical value representation per type:
//
//	boolean              bool
//	int                  int32
//	long                 int64
//	float                float32
//	double               float64
//	date                 time.Time at UTC midnight
//	time                 time.Duration since midnight, microsecond precision
//	timestamp(tz)        time.Time in UTC, microsecond precision
//	string               string
//	uuid                 uuid.UUID
//	binary               []byte
//	list                 []any
//	struct               map[string]any
//
// Coerce converts common Go and JSON representations into that form.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tt := t.(type) {
	case PrimitiveType:
		return coercePrimitive(tt, v)
	case *ListType:
		return coerceList(tt, v)
	case *StructType:
		return coerceStruct(tt, v)
	}
	return nil, fmt.Errorf("unsupported type %v", t)
}

func coercePrimitive(t PrimitiveType, v any) (any, error) {
	switch t {
	case Boolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	case Int:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int", n)
		}
		return int32(n), nil
	case Long:
		return toInt64(v)
	case Float:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case Double:
		return toFloat64(v)
	case Date:
		ts, err := toTime(v, true)
		if err != nil {
			return nil, err
		}
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case Time:
		return toTimeOfDay(v)
	case Timestamp, TimestampTz:
		ts, err := toTime(v, t == Timestamp)
		if err != nil {
			return nil, err
		}
		return ts.UTC().Truncate(time.Microsecond), nil
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case uuid.UUID:
			return x.String(), nil
		case fmt.Stringer:
			return x.String(), nil
		}
	case UUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x, nil
		case [16]byte:
			return uuid.UUID(x), nil
		case []byte:
			return uuid.FromBytes(x)
		case string:
			return uuid.Parse(x)
		}
	case Binary:
		switch x := v.(type) {
		case []byte:
			return bytes.Clone(x), nil
		case string:
			return base64.StdEncoding.DecodeString(x)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows long", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows long", x)
		}
		return int64(x), nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("cannot use %T as float", v)
	}
	return float64(n), nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// toTime accepts time.Time and strings. Zone-less strings are read as UTC
// only when allowLocal is set.
func toTime(v any, allowLocal bool) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return ts, nil
		}
		if allowLocal {
			for _, layout := range localLayouts {
				if ts, err := time.ParseInLocation(layout, x, time.UTC); err == nil {
					return ts, nil
				}
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as timestamp", x)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as timestamp", v)
}

func toTimeOfDay(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		if x < 0 || x >= 24*time.Hour {
			return 0, fmt.Errorf("time of day %v out of range", x)
		}
		return x.Truncate(time.Microsecond), nil
	case string:
		ts, err := time.Parse("15:04:05.999999", x)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as time: %w", x, err)
		}
		return time.Duration(ts.Hour())*time.Hour +
			time.Duration(ts.Minute())*time.Minute +
			time.Duration(ts.Second())*time.Second +
			time.Duration(ts.Nanosecond()).Truncate(time.Microsecond), nil
	}
	return 0, fmt.Errorf("cannot use %T as time", v)
}

func coerceList(t *ListType, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as %s", v, t)
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, fmt.Errorf("cannot use []byte as %s", t)
	}
	out := make([]any, rv.Len())
	for i := range out {
		elem := rv.Index(i).Interface()
		if elem == nil {
			if t.ElementRequired {
				return nil, fmt.Errorf("element %d of required-element list is null", i)
			}
			continue
		}
		c, err := Coerce(t.Element, elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func coerceStruct(t *StructType, v any) (any, error) {
	var in map[string]any
	switch x := v.(type) {
	case map[string]any:
		in = x
	case Record:
		in = x
	default:
		return nil, fmt.Errorf("cannot use %T as %s", v, t)
	}
	for k := range in {
		if _, ok := t.Field(k); !ok {
			return nil, fmt.Errorf("unknown struct field %q", k)
		}
	}
	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		fv, err := coerceField(f, in[f.Name])
		if err != nil {
			return nil, err
		}
		out[f.Name] = fv
	}
	return out, nil
}

var epoch = time.Unix(0, 0).UTC()

// DaysSinceEpoch returns whole days between 1970-01-01 and ts, in UTC.
func DaysSinceEpoch(ts time.Time) int32 {
	return int32(math.Floor(float64(ts.UTC().Sub(epoch)) / float64(24*time.Hour)))
}

// DateFromDays is the inverse of DaysSinceEpoch.
func DateFromDays(days int32) time.Time {
	return epoch.AddDate(0, 0, int(days))
}

// EncodeValue returns the single-value binary form of a canonical primitive
// value: little-endian fixed width numbers, dates as int days, times and
// timestamps as int64 microseconds, UTF-8 strings, 16-byte uuids.
func EncodeValue(t PrimitiveType, v any) ([]byte, error) {
	switch t {
	case Boolean:
		if b, ok := v.(bool); ok {
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		}
	case Int:
		if n, ok := v.(int32); ok {
			return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
		}
	case Long:
		if n, ok := v.(int64); ok {
			return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
		}
	case Float:
		if f, ok := v.(float32); ok {
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(f)), nil
		}
	case Double:
		if f, ok := v.(float64); ok {
			return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
		}
	case Date:
		if ts, ok := v.(time.Time); ok {
			return binary.LittleEndian.AppendUint32(nil, uint32(DaysSinceEpoch(ts))), nil
		}
	case Time:
		if d, ok := v.(time.Duration); ok {
			return binary.LittleEndian.AppendUint64(nil, uint64(d.Microseconds())), nil
		}
	case Timestamp, TimestampTz:
		if ts, ok := v.(time.Time); ok {
			return binary.LittleEndian.AppendUint64(nil, uint64(ts.UnixMicro())), nil
		}
	case String:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	case UUID:
		if u, ok := v.(uuid.UUID); ok {
			return u[:], nil
		}
	case Binary:
		if b, ok := v.([]byte); ok {
			return bytes.Clone(b), nil
		}
	}
	return nil, fmt.Errorf("cannot encode %T as %s", v, t)
}

var fixedWidth = map[PrimitiveType]int{
	Boolean: 1, Int: 4, Date: 4, Float: 4,
	Long: 8, Double: 8, Time: 8, Timestamp: 8, TimestampTz: 8,
	UUID: 16,
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(t PrimitiveType, b []byte) (any, error) {
	if n, ok := fixedWidth[t]; ok && len(b) != n {
		return nil, fmt.Errorf("decode %s: want %d bytes, got %d", t, n, len(b))
	}
	switch t {
	case Boolean:
		return b[0] != 0, nil
	case Int:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case Long:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case Float:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case Date:
		return DateFromDays(int32(binary.LittleEndian.Uint32(b))), nil
	case Time:
		return time.Duration(int64(binary.LittleEndian.Uint64(b))) * time.Microsecond, nil
	case Timestamp, TimestampTz:
		return time.UnixMicro(int64(binary.LittleEndian.Uint64(b))).UTC(), nil
	case String:
		return string(b), nil
	case UUID:
		return uuid.FromBytes(b)
	case Binary:
		return bytes.Clone(b), nil
	}
	return nil, fmt.Errorf("cannot decode type %s", t)
}

// Compare orders two canonical primitive values. Values of different or
// unsupported Go types compare equal.
func Compare(a, b any) int {
	switch x := a.(type) {
	case bool:
		if y, ok := b.(bool); ok && x != y {
			if !x {
				return -1
			}
			return 1
		}
	case int32:
		if y, ok := b.(int32); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float32:
		if y, ok := b.(float32); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case uuid.UUID:
		if y, ok := b.(uuid.UUID); ok {
			return bytes.Compare(x[:], y[:])
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	}
	return 0
}

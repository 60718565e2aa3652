package partition

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/florinutz/icetable/schema"
)

// Transform maps a source column value to a partition value. The set of
// transforms is closed; each one is a pure function, and null maps to null.
type Transform interface {
	String() string
	// CanTransform reports whether the transform accepts a source of type t.
	CanTransform(t schema.Type) bool
	// ResultType is the type of the partition value for a given source type.
	ResultType(src schema.PrimitiveType) schema.PrimitiveType
	Apply(src schema.PrimitiveType, v any) (any, error)
	// ToHumanString renders a partition value for use in object paths.
	ToHumanString(v any) string
}

var transformRe = regexp.MustCompile(`^(identity|year|month|day|hour|bucket\[(\d+)\]|truncate\[(\d+)\])$`)

// ParseTransform parses the metadata form of a transform, e.g. "bucket[16]".
func ParseTransform(s string) (Transform, error) {
	m := transformRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("unknown transform %q", s)
	}
	switch m[1] {
	case "identity":
		return Identity{}, nil
	case "year":
		return Year{}, nil
	case "month":
		return Month{}, nil
	case "day":
		return Day{}, nil
	case "hour":
		return Hour{}, nil
	}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid bucket count in %q", s)
		}
		return Bucket{N: n}, nil
	}
	w, err := strconv.Atoi(m[3])
	if err != nil || w <= 0 {
		return nil, fmt.Errorf("invalid truncate width in %q", s)
	}
	return Truncate{Width: w}, nil
}

func primitive(t schema.Type) (schema.PrimitiveType, bool) {
	p, ok := t.(schema.PrimitiveType)
	return p, ok
}

// Identity uses the source value unchanged.
type Identity struct{}

func (Identity) String() string { return "identity" }

func (Identity) CanTransform(t schema.Type) bool {
	_, ok := primitive(t)
	return ok
}

func (Identity) ResultType(src schema.PrimitiveType) schema.PrimitiveType { return src }

func (Identity) Apply(_ schema.PrimitiveType, v any) (any, error) { return v, nil }

func (Identity) ToHumanString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format("2006-01-02T15:04:05.999999")
	case []byte:
		return fmt.Sprintf("%x", x)
	}
	return fmt.Sprint(v)
}

// Bucket hashes the source value into N buckets using 32-bit murmur3 over
// the value's hash bytes.
type Bucket struct {
	N int
}

func (b Bucket) String() string { return fmt.Sprintf("bucket[%d]", b.N) }

func (Bucket) CanTransform(t schema.Type) bool {
	p, ok := primitive(t)
	if !ok {
		return false
	}
	switch p {
	case schema.Int, schema.Long, schema.Date, schema.Time, schema.Timestamp, schema.TimestampTz,
		schema.String, schema.UUID, schema.Binary:
		return true
	}
	return false
}

func (Bucket) ResultType(schema.PrimitiveType) schema.PrimitiveType { return schema.Int }

func (b Bucket) Apply(src schema.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := hashBytes(src, v)
	if err != nil {
		return nil, err
	}
	h := murmur3.Sum32(data)
	return int32(int64(h&math.MaxInt32) % int64(b.N)), nil
}

func (Bucket) ToHumanString(v any) string { return humanInt(v) }

// hashBytes returns the bytes a bucket hash is computed over: ints, longs
// and dates (as day offsets) widen to an 8-byte little-endian long, times and
// timestamps use microseconds.
func hashBytes(src schema.PrimitiveType, v any) ([]byte, error) {
	le := func(n int64) []byte { return binary.LittleEndian.AppendUint64(nil, uint64(n)) }
	switch x := v.(type) {
	case int32:
		return le(int64(x)), nil
	case int64:
		return le(x), nil
	case time.Time:
		if src == schema.Date {
			return le(int64(schema.DaysSinceEpoch(x))), nil
		}
		return le(x.UnixMicro()), nil
	case time.Duration:
		return le(x.Microseconds()), nil
	case string:
		return []byte(x), nil
	case uuid.UUID:
		return x[:], nil
	case []byte:
		return x, nil
	}
	return nil, fmt.Errorf("cannot bucket %T", v)
}

// Truncate cuts integers down to a multiple of Width, and strings or binary
// values to their first Width code points or bytes.
type Truncate struct {
	Width int
}

func (t Truncate) String() string { return fmt.Sprintf("truncate[%d]", t.Width) }

func (Truncate) CanTransform(t schema.Type) bool {
	p, ok := primitive(t)
	if !ok {
		return false
	}
	switch p {
	case schema.Int, schema.Long, schema.String, schema.Binary:
		return true
	}
	return false
}

func (Truncate) ResultType(src schema.PrimitiveType) schema.PrimitiveType { return src }

func (t Truncate) Apply(_ schema.PrimitiveType, v any) (any, error) {
	w := t.Width
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int32:
		n, err := truncateInt(int64(x), int64(w))
		if err != nil || n < math.MinInt32 {
			return nil, fmt.Errorf("%s of int %d is out of range", t, x)
		}
		return int32(n), nil
	case int64:
		n, err := truncateInt(x, int64(w))
		if err != nil {
			return nil, fmt.Errorf("%s of long %d: %w", t, x, err)
		}
		return n, nil
	case string:
		if utf8.RuneCountInString(x) <= w {
			return x, nil
		}
		return string([]rune(x)[:w]), nil
	case []byte:
		if len(x) <= w {
			return x, nil
		}
		return x[:w], nil
	}
	return nil, fmt.Errorf("cannot truncate %T", v)
}

func (Truncate) ToHumanString(v any) string { return Identity{}.ToHumanString(v) }

func temporal(t schema.Type, allowDate bool) bool {
	p, ok := primitive(t)
	if !ok {
		return false
	}
	switch p {
	case schema.Timestamp, schema.TimestampTz:
		return true
	case schema.Date:
		return allowDate
	}
	return false
}

func asTime(v any) (time.Time, error) {
	ts, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot apply a time transform to %T", v)
	}
	return ts.UTC(), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

var epoch = time.Unix(0, 0).UTC()

// Year is the number of years since 1970, in UTC.
type Year struct{}

func (Year) String() string                                       { return "year" }
func (Year) CanTransform(t schema.Type) bool                      { return temporal(t, true) }
func (Year) ResultType(schema.PrimitiveType) schema.PrimitiveType { return schema.Int }

func (Year) Apply(_ schema.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ts, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return int32(ts.Year() - 1970), nil
}

func (Year) ToHumanString(v any) string {
	n, ok := v.(int32)
	if !ok {
		return "null"
	}
	return fmt.Sprintf("%04d", 1970+int(n))
}

// Month is the number of months since 1970-01, in UTC.
type Month struct{}

func (Month) String() string                                       { return "month" }
func (Month) CanTransform(t schema.Type) bool                      { return temporal(t, true) }
func (Month) ResultType(schema.PrimitiveType) schema.PrimitiveType { return schema.Int }

func (Month) Apply(_ schema.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ts, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return int32((ts.Year()-1970)*12 + int(ts.Month()) - 1), nil
}

func (Month) ToHumanString(v any) string {
	n, ok := v.(int32)
	if !ok {
		return "null"
	}
	return epoch.AddDate(0, int(n), 0).Format("2006-01")
}

// Day is the number of days since 1970-01-01, in UTC.
type Day struct{}

func (Day) String() string                                       { return "day" }
func (Day) CanTransform(t schema.Type) bool                      { return temporal(t, true) }
func (Day) ResultType(schema.PrimitiveType) schema.PrimitiveType { return schema.Int }

func (Day) Apply(_ schema.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ts, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return schema.DaysSinceEpoch(ts), nil
}

func (Day) ToHumanString(v any) string {
	n, ok := v.(int32)
	if !ok {
		return "null"
	}
	return schema.DateFromDays(n).Format(time.DateOnly)
}

// Hour is the number of whole hours since 1970-01-01T00:00Z.
type Hour struct{}

func (Hour) String() string                                       { return "hour" }
func (Hour) CanTransform(t schema.Type) bool                      { return temporal(t, false) }
func (Hour) ResultType(schema.PrimitiveType) schema.PrimitiveType { return schema.Int }

func (Hour) Apply(_ schema.PrimitiveType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ts, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return int32(floorDiv(ts.UnixMicro(), int64(time.Hour/time.Microsecond))), nil
}

func (Hour) ToHumanString(v any) string {
	n, ok := v.(int32)
	if !ok {
		return "null"
	}
	return epoch.Add(time.Duration(n) * time.Hour).Format("2006-01-02-15")
}

func humanInt(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}

// truncateInt floors x to a multiple of w. Only the final subtraction can
// leave the int64 range.
func truncateInt(x, w int64) (int64, error) {
	r := x % w
	if r < 0 {
		r += w
	}
	if x < math.MinInt64+r {
		return 0, fmt.Errorf("result below %d", int64(math.MinInt64))
	}
	return x - r, nil
}

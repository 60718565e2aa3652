package partition_test

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

func TestParseTransform(t *testing.T) {
	for _, s := range []string{"identity", "bucket[16]", "truncate[4]", "year", "month", "day", "hour"} {
		tr, err := partition.ParseTransform(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if tr.String() != s {
			t.Errorf("String() = %q, want %q", tr.String(), s)
		}
	}
	for _, s := range []string{"", "bucket", "bucket[0]", "truncate[-1]", "void", "Hour"} {
		if _, err := partition.ParseTransform(s); err == nil {
			t.Errorf("parse %q succeeded, want error", s)
		}
	}
}

// Reference hash values for 32-bit murmur3 over the standard hash bytes.
func TestBucketHash(t *testing.T) {
	all := partition.Bucket{N: math.MaxInt32}
	tests := []struct {
		src  schema.PrimitiveType
		v    any
		want int32
	}{
		{schema.Int, int32(34), 2017239379},
		{schema.Long, int64(34), 2017239379},
		{schema.String, "iceberg", 1210000089},
		{schema.UUID, uuid.MustParse("f79c3e09-677c-4bbd-a479-3f349cb785e7"), 1488055340},
	}
	for _, tt := range tests {
		got, err := all.Apply(tt.src, tt.v)
		if err != nil {
			t.Fatalf("bucket %v: %v", tt.v, err)
		}
		if got.(int32) != tt.want {
			t.Errorf("bucket(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}

	b := partition.Bucket{N: 16}
	for i := int32(-100); i < 100; i++ {
		got, _ := b.Apply(schema.Int, i)
		if n := got.(int32); n < 0 || n >= 16 {
			t.Fatalf("bucket[16](%d) = %d out of range", i, n)
		}
	}
	if got, _ := b.Apply(schema.Int, nil); got != nil {
		t.Errorf("bucket(nil) = %v, want nil", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		width int
		v     any
		want  any
	}{
		{10, int32(1), int32(0)},
		{10, int32(-1), int32(-10)},
		{10, int64(25), int64(20)},
		{math.MaxInt32, int32(-5), int32(-math.MaxInt32)},
		{math.MaxInt32, int32(7), int32(0)},
		{math.MaxInt64, int64(-5), int64(-math.MaxInt64)},
		{10, int32(math.MinInt32 + 8), int32(math.MinInt32 + 8)},
		{3, "iceberg", "ice"},
		{2, "héllo", "hé"},
		{5, "ab", "ab"},
	}
	for _, tt := range tests {
		got, err := partition.Truncate{Width: tt.width}.Apply(schema.String, tt.v)
		if err != nil {
			t.Fatalf("truncate %v: %v", tt.v, err)
		}
		if got != tt.want {
			t.Errorf("truncate[%d](%v) = %v, want %v", tt.width, tt.v, got, tt.want)
		}
	}
}

func TestTruncateOutOfRange(t *testing.T) {
	tests := []struct {
		width int
		v     any
	}{
		{10, int32(math.MinInt32)},
		{10, int64(math.MinInt64)},
		{math.MaxInt64, int64(math.MinInt64)},
	}
	for _, tt := range tests {
		if got, err := (partition.Truncate{Width: tt.width}).Apply(schema.Long, tt.v); err == nil {
			t.Errorf("truncate[%d](%v) = %v, want an error", tt.width, tt.v, got)
		}
	}
}

func TestTemporalTransformsAreUTC(t *testing.T) {
	// 2024-03-05T11:30 at +01:00 is 10:30 UTC.
	ts := time.Date(2024, 3, 5, 11, 30, 0, 0, time.FixedZone("cet", 3600))
	tests := []struct {
		tr    partition.Transform
		want  int32
		human string
	}{
		{partition.Year{}, 54, "2024"},
		{partition.Month{}, 54*12 + 2, "2024-03"},
		{partition.Day{}, 19787, "2024-03-05"},
		{partition.Hour{}, 19787*24 + 10, "2024-03-05-10"},
	}
	for _, tt := range tests {
		got, err := tt.tr.Apply(schema.TimestampTz, ts)
		if err != nil {
			t.Fatalf("%s: %v", tt.tr, err)
		}
		if got.(int32) != tt.want {
			t.Errorf("%s = %d, want %d", tt.tr, got, tt.want)
		}
		if h := tt.tr.ToHumanString(got); h != tt.human {
			t.Errorf("%s human = %q, want %q", tt.tr, h, tt.human)
		}
	}

	before := time.Date(1969, 12, 31, 23, 59, 0, 0, time.UTC)
	if got, _ := (partition.Hour{}).Apply(schema.Timestamp, before); got.(int32) != -1 {
		t.Errorf("hour before epoch = %v, want -1", got)
	}
}

func TestHourIsDeterministicAcrossZones(t *testing.T) {
	a := time.Date(2024, 3, 5, 10, 5, 0, 0, time.UTC)
	b := a.In(time.FixedZone("pst", -8*3600)).Add(40 * time.Minute)
	ha, _ := partition.Hour{}.Apply(schema.TimestampTz, a)
	hb, _ := partition.Hour{}.Apply(schema.TimestampTz, b)
	if ha != hb {
		t.Errorf("same UTC hour gave %v and %v", ha, hb)
	}
}

func TestCanTransform(t *testing.T) {
	list := &schema.ListType{ElementID: 9, Element: schema.String}
	tests := []struct {
		tr   partition.Transform
		typ  schema.Type
		want bool
	}{
		{partition.Hour{}, schema.TimestampTz, true},
		{partition.Hour{}, schema.Date, false},
		{partition.Day{}, schema.Date, true},
		{partition.Year{}, schema.String, false},
		{partition.Bucket{N: 4}, schema.UUID, true},
		{partition.Bucket{N: 4}, schema.Double, false},
		{partition.Truncate{Width: 2}, schema.Long, true},
		{partition.Truncate{Width: 2}, schema.UUID, false},
		{partition.Identity{}, schema.Double, true},
		{partition.Identity{}, list, false},
	}
	for _, tt := range tests {
		if got := tt.tr.CanTransform(tt.typ); got != tt.want {
			t.Errorf("%s.CanTransform(%s) = %v, want %v", tt.tr, tt.typ, got, tt.want)
		}
	}
}

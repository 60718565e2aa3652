// Package codec encodes record batches into columnar data files and back.
package codec

import (
	"iter"

	"github.com/florinutz/icetable/schema"
)

// Codec converts between normalized records and a file format.
type Codec interface {
	// Format is the file format name recorded in manifests, e.g. "PARQUET".
	Format() string
	// Extension is the object key suffix, e.g. ".parquet".
	Extension() string
	// Encode writes rows, which must already be normalized against sc.
	Encode(sc *schema.Schema, rows []schema.Record) ([]byte, Stats, error)
	// Decode lazily yields the rows of data projected onto sc. Columns are
	// matched by field id, so renamed columns keep their values and columns
	// the file does not have read as null.
	Decode(sc *schema.Schema, data []byte) iter.Seq2[schema.Record, error]
}

// Stats are per-column statistics keyed by field id. Bounds hold canonical
// values and are only collected for primitive top-level columns.
type Stats struct {
	RecordCount     int64
	ColumnSizes     map[int]int64
	ValueCounts     map[int]int64
	NullValueCounts map[int]int64
	LowerBounds     map[int]any
	UpperBounds     map[int]any
}

// ComputeStats derives value counts, null counts and min/max bounds from rows.
func ComputeStats(sc *schema.Schema, rows []schema.Record) Stats {
	st := Stats{
		RecordCount:     int64(len(rows)),
		ColumnSizes:     make(map[int]int64),
		ValueCounts:     make(map[int]int64),
		NullValueCounts: make(map[int]int64),
		LowerBounds:     make(map[int]any),
		UpperBounds:     make(map[int]any),
	}
	for _, c := range sc.Columns {
		st.ValueCounts[c.ID] = int64(len(rows))
		_, primitive := c.Type.(schema.PrimitiveType)
		for _, r := range rows {
			v := r[c.Name]
			if v == nil {
				st.NullValueCounts[c.ID]++
				continue
			}
			if !primitive {
				continue
			}
			if lo, ok := st.LowerBounds[c.ID]; !ok || schema.Compare(v, lo) < 0 {
				st.LowerBounds[c.ID] = v
			}
			if hi, ok := st.UpperBounds[c.ID]; !ok || schema.Compare(v, hi) > 0 {
				st.UpperBounds[c.ID] = v
			}
		}
		if _, ok := st.NullValueCounts[c.ID]; !ok {
			st.NullValueCounts[c.ID] = 0
		}
	}
	return st
}

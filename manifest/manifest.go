// Package manifest reads and writes the two index levels of a snapshot:
// manifests, which list data files with an added/existing/deleted status,
// and manifest lists, which list the manifests of one snapshot.
package manifest

import (
	"fmt"

	"github.com/florinutz/icetable/partition"
)

// Status is the state of a data file entry within a manifest.
type Status int

const (
	StatusExisting Status = 0
	StatusAdded    Status = 1
	StatusDeleted  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusExisting:
		return "existing"
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DataFile describes one immutable data file. Its Path is its identity.
type DataFile struct {
	Path            string           `json:"file-path"`
	Format          string           `json:"file-format"`
	SpecID          int              `json:"spec-id"`
	Partition       partition.Values `json:"partition,omitempty"`
	RecordCount     int64            `json:"record-count"`
	FileSizeBytes   int64            `json:"file-size-in-bytes"`
	ColumnSizes     map[int]int64    `json:"column-sizes,omitempty"`
	ValueCounts     map[int]int64    `json:"value-counts,omitempty"`
	NullValueCounts map[int]int64    `json:"null-value-counts,omitempty"`
	LowerBounds     map[int][]byte   `json:"lower-bounds,omitempty"`
	UpperBounds     map[int][]byte   `json:"upper-bounds,omitempty"`
}

// Entry is one row of a manifest.
type Entry struct {
	Status         Status
	SnapshotID     int64 // snapshot that added or deleted the file
	SequenceNumber int64 // data sequence number of that snapshot
	DataFile       DataFile
}

// File references a manifest from a manifest list, with summary counts.
type File struct {
	Path               string `avro:"manifest_path"`
	Length             int64  `avro:"manifest_length"`
	SpecID             int    `avro:"partition_spec_id"`
	Content            int    `avro:"content"` // 0 = data
	SequenceNumber     int64  `avro:"sequence_number"`
	MinSequenceNumber  int64  `avro:"min_sequence_number"`
	AddedSnapshotID    int64  `avro:"added_snapshot_id"`
	AddedFilesCount    int    `avro:"added_data_files_count"`
	AddedRowsCount     int64  `avro:"added_rows_count"`
	ExistingFilesCount int    `avro:"existing_data_files_count"`
	ExistingRowsCount  int64  `avro:"existing_rows_count"`
	DeletedFilesCount  int    `avro:"deleted_data_files_count"`
	DeletedRowsCount   int64  `avro:"deleted_rows_count"`
}

// Merge returns the manifest list of a new snapshot: the delta manifests
// followed by every manifest of the previous list. Earlier manifests are
// referenced, never rewritten.
func Merge(existing []File, delta ...File) []File {
	out := make([]File, 0, len(existing)+len(delta))
	out = append(out, delta...)
	return append(out, existing...)
}

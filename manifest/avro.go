package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/hamba/avro/v2/ocf"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

const formatVersion = "2"

// Partition values are stored as (field id, single-value bytes) pairs so one
// Avro schema serves every partition spec; the spec in the file header gives
// each value its type.
const manifestEntryAvroSchema = `{
	"type": "record",
	"name": "manifest_entry",
	"fields": [
		{"name": "status", "type": "int"},
		{"name": "snapshot_id", "type": ["null", "long"], "default": null},
		{"name": "sequence_number", "type": ["null", "long"], "default": null},
		{"name": "data_file", "type": {
			"type": "record",
			"name": "r2",
			"fields": [
				{"name": "content", "type": "int"},
				{"name": "file_path", "type": "string"},
				{"name": "file_format", "type": "string"},
				{"name": "partition", "type": {"type": "array", "items": {
					"type": "record", "name": "r102",
					"fields": [
						{"name": "field_id", "type": "int"},
						{"name": "value", "type": ["null", "bytes"], "default": null}
					]
				}}},
				{"name": "record_count", "type": "long"},
				{"name": "file_size_in_bytes", "type": "long"},
				{"name": "column_sizes", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k117_v118",
					"fields": [
						{"name": "key", "type": "int"},
						{"name": "value", "type": "long"}
					]
				}, "logicalType": "map"}], "default": null},
				{"name": "value_counts", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k119_v120",
					"fields": [
						{"name": "key", "type": "int"},
						{"name": "value", "type": "long"}
					]
				}, "logicalType": "map"}], "default": null},
				{"name": "null_value_counts", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k121_v122",
					"fields": [
						{"name": "key", "type": "int"},
						{"name": "value", "type": "long"}
					]
				}, "logicalType": "map"}], "default": null},
				{"name": "lower_bounds", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k126_v127",
					"fields": [
						{"name": "key", "type": "int"},
						{"name": "value", "type": "bytes"}
					]
				}, "logicalType": "map"}], "default": null},
				{"name": "upper_bounds", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k128_v129",
					"fields": [
						{"name": "key", "type": "int"},
						{"name": "value", "type": "bytes"}
					]
				}, "logicalType": "map"}], "default": null}
			]
		}}
	]
}`

const manifestListAvroSchema = `{
	"type": "record",
	"name": "manifest_file",
	"fields": [
		{"name": "manifest_path", "type": "string"},
		{"name": "manifest_length", "type": "long"},
		{"name": "partition_spec_id", "type": "int"},
		{"name": "content", "type": "int"},
		{"name": "sequence_number", "type": "long"},
		{"name": "min_sequence_number", "type": "long"},
		{"name": "added_snapshot_id", "type": "long"},
		{"name": "added_data_files_count", "type": "int"},
		{"name": "added_rows_count", "type": "long"},
		{"name": "existing_data_files_count", "type": "int"},
		{"name": "existing_rows_count", "type": "long"},
		{"name": "deleted_data_files_count", "type": "int"},
		{"name": "deleted_rows_count", "type": "long"}
	]
}`

type entryAvro struct {
	Status         int          `avro:"status"`
	SnapshotID     *int64       `avro:"snapshot_id"`
	SequenceNumber *int64       `avro:"sequence_number"`
	DataFile       dataFileAvro `avro:"data_file"`
}

type dataFileAvro struct {
	Content         int              `avro:"content"`
	FilePath        string           `avro:"file_path"`
	FileFormat      string           `avro:"file_format"`
	Partition       []partitionValue `avro:"partition"`
	RecordCount     int64            `avro:"record_count"`
	FileSizeBytes   int64            `avro:"file_size_in_bytes"`
	ColumnSizes     []intLongKV      `avro:"column_sizes"`
	ValueCounts     []intLongKV      `avro:"value_counts"`
	NullValueCounts []intLongKV      `avro:"null_value_counts"`
	LowerBounds     []intBytesKV     `avro:"lower_bounds"`
	UpperBounds     []intBytesKV     `avro:"upper_bounds"`
}

type partitionValue struct {
	FieldID int    `avro:"field_id"`
	Value   []byte `avro:"value"`
}

type intLongKV struct {
	Key   int   `avro:"key"`
	Value int64 `avro:"value"`
}

type intBytesKV struct {
	Key   int    `avro:"key"`
	Value []byte `avro:"value"`
}

// Header is the table state a manifest was written under. It is stored in
// the manifest's file metadata and is needed to type partition values.
type Header struct {
	Schema *schema.Schema
	Spec   *partition.Spec
}

func (h Header) partitionTypes() (map[int]schema.PrimitiveType, error) {
	types := make(map[int]schema.PrimitiveType, len(h.Spec.Fields))
	for _, f := range h.Spec.Fields {
		t, err := h.Spec.ResultType(h.Schema, f)
		if err != nil {
			return nil, err
		}
		types[f.FieldID] = t
	}
	return types, nil
}

// Write encodes entries as a manifest under key, refusing to overwrite an
// existing object. Added and deleted entries without a snapshot id or
// sequence number take snapshotID and seq; existing entries keep theirs.
func Write(ctx context.Context, store objstore.Store, key string, h Header, snapshotID, seq int64, entries []Entry) (File, error) {
	types, err := h.partitionTypes()
	if err != nil {
		return File{}, err
	}
	schemaJSON, err := json.Marshal(h.Schema)
	if err != nil {
		return File{}, fmt.Errorf("marshal schema: %w", err)
	}
	specJSON, err := json.Marshal(h.Spec.Fields)
	if err != nil {
		return File{}, fmt.Errorf("marshal partition spec: %w", err)
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestEntryAvroSchema, &buf,
		ocf.WithMetadata(map[string][]byte{
			"schema":            schemaJSON,
			"schema-id":         []byte(strconv.Itoa(h.Schema.ID)),
			"partition-spec":    specJSON,
			"partition-spec-id": []byte(strconv.Itoa(h.Spec.ID)),
			"format-version":    []byte(formatVersion),
			"content":           []byte("data"),
		}),
		ocf.WithCodec(ocf.Deflate),
	)
	if err != nil {
		return File{}, fmt.Errorf("create manifest encoder: %w", err)
	}

	ref := File{
		Path:              key,
		SpecID:            h.Spec.ID,
		SequenceNumber:    seq,
		MinSequenceNumber: seq,
		AddedSnapshotID:   snapshotID,
	}
	for _, e := range entries {
		if e.Status != StatusExisting {
			if e.SnapshotID == 0 {
				e.SnapshotID = snapshotID
			}
			if e.SequenceNumber == 0 {
				e.SequenceNumber = seq
			}
		}
		ref.MinSequenceNumber = min(ref.MinSequenceNumber, e.SequenceNumber)
		switch e.Status {
		case StatusAdded:
			ref.AddedFilesCount++
			ref.AddedRowsCount += e.DataFile.RecordCount
		case StatusExisting:
			ref.ExistingFilesCount++
			ref.ExistingRowsCount += e.DataFile.RecordCount
		case StatusDeleted:
			ref.DeletedFilesCount++
			ref.DeletedRowsCount += e.DataFile.RecordCount
		}

		rec, err := toEntryAvro(e, types)
		if err != nil {
			return File{}, err
		}
		if err := enc.Encode(rec); err != nil {
			return File{}, fmt.Errorf("encode manifest entry: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return File{}, fmt.Errorf("close manifest encoder: %w", err)
	}

	ref.Length = int64(buf.Len())
	if err := objstore.PutIfAbsent(ctx, store, key, buf.Bytes()); err != nil {
		return File{}, fmt.Errorf("write manifest %s: %w", key, err)
	}
	metrics.ManifestsWritten.WithLabelValues("manifest").Inc()
	return ref, nil
}

func toEntryAvro(e Entry, types map[int]schema.PrimitiveType) (entryAvro, error) {
	df := e.DataFile
	part := make([]partitionValue, 0, len(types))
	for _, id := range slices.Sorted(maps.Keys(types)) {
		t := types[id]
		pv := partitionValue{FieldID: id}
		if v := df.Partition[id]; v != nil {
			b, err := schema.EncodeValue(t, v)
			if err != nil {
				return entryAvro{}, fmt.Errorf("data file %s partition field %d: %w", df.Path, id, err)
			}
			pv.Value = b
		}
		part = append(part, pv)
	}
	snap, seq := e.SnapshotID, e.SequenceNumber
	return entryAvro{
		Status:         int(e.Status),
		SnapshotID:     &snap,
		SequenceNumber: &seq,
		DataFile: dataFileAvro{
			FilePath:        df.Path,
			FileFormat:      df.Format,
			Partition:       part,
			RecordCount:     df.RecordCount,
			FileSizeBytes:   df.FileSizeBytes,
			ColumnSizes:     mapToIntLongKV(df.ColumnSizes),
			ValueCounts:     mapToIntLongKV(df.ValueCounts),
			NullValueCounts: mapToIntLongKV(df.NullValueCounts),
			LowerBounds:     mapToIntBytesKV(df.LowerBounds),
			UpperBounds:     mapToIntBytesKV(df.UpperBounds),
		},
	}, nil
}

// Read decodes the manifest at key. Any failure, including a missing
// object, is reported as corrupt metadata: manifests are only ever read
// because a manifest list references them.
func Read(ctx context.Context, store objstore.Store, key string) (Header, []Entry, error) {
	corrupt := func(err error) (Header, []Entry, error) {
		return Header{}, nil, &icetableerr.CorruptMetadataError{Location: key, Err: err}
	}

	obj, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return corrupt(err)
		}
		return Header{}, nil, fmt.Errorf("read manifest %s: %w", key, err)
	}
	dec, err := ocf.NewDecoder(bytes.NewReader(obj.Data))
	if err != nil {
		return corrupt(fmt.Errorf("open avro container: %w", err))
	}

	h, err := readHeader(dec.Metadata())
	if err != nil {
		return corrupt(err)
	}
	types, err := h.partitionTypes()
	if err != nil {
		return corrupt(err)
	}

	var entries []Entry
	for dec.HasNext() {
		var rec entryAvro
		if err := dec.Decode(&rec); err != nil {
			return corrupt(fmt.Errorf("decode manifest entry: %w", err))
		}
		e, err := fromEntryAvro(rec, types, h.Spec.ID)
		if err != nil {
			return corrupt(err)
		}
		entries = append(entries, e)
	}
	if err := dec.Error(); err != nil {
		return corrupt(fmt.Errorf("read avro container: %w", err))
	}
	return h, entries, nil
}

func readHeader(meta map[string][]byte) (Header, error) {
	if v := string(meta["format-version"]); v != formatVersion {
		return Header{}, fmt.Errorf("unsupported manifest format version %q", v)
	}
	sc := &schema.Schema{}
	if err := json.Unmarshal(meta["schema"], sc); err != nil {
		return Header{}, fmt.Errorf("decode manifest schema: %w", err)
	}
	specID, err := strconv.Atoi(string(meta["partition-spec-id"]))
	if err != nil {
		return Header{}, fmt.Errorf("decode partition spec id: %w", err)
	}
	spec := &partition.Spec{ID: specID}
	if err := json.Unmarshal(meta["partition-spec"], &spec.Fields); err != nil {
		return Header{}, fmt.Errorf("decode partition spec: %w", err)
	}
	return Header{Schema: sc, Spec: spec}, nil
}

func fromEntryAvro(rec entryAvro, types map[int]schema.PrimitiveType, specID int) (Entry, error) {
	status := Status(rec.Status)
	if status < StatusExisting || status > StatusDeleted {
		return Entry{}, fmt.Errorf("invalid entry status %d", rec.Status)
	}
	if rec.SnapshotID == nil || rec.SequenceNumber == nil {
		return Entry{}, fmt.Errorf("entry for %s has no snapshot id or sequence number", rec.DataFile.FilePath)
	}
	df := rec.DataFile
	part := make(partition.Values, len(df.Partition))
	for _, pv := range df.Partition {
		t, ok := types[pv.FieldID]
		if !ok {
			return Entry{}, fmt.Errorf("data file %s: partition field %d not in spec", df.FilePath, pv.FieldID)
		}
		if pv.Value == nil {
			part[pv.FieldID] = nil
			continue
		}
		v, err := schema.DecodeValue(t, pv.Value)
		if err != nil {
			return Entry{}, fmt.Errorf("data file %s partition field %d: %w", df.FilePath, pv.FieldID, err)
		}
		part[pv.FieldID] = v
	}
	return Entry{
		Status:         status,
		SnapshotID:     *rec.SnapshotID,
		SequenceNumber: *rec.SequenceNumber,
		DataFile: DataFile{
			Path:            df.FilePath,
			Format:          df.FileFormat,
			SpecID:          specID,
			Partition:       part,
			RecordCount:     df.RecordCount,
			FileSizeBytes:   df.FileSizeBytes,
			ColumnSizes:     intLongKVToMap(df.ColumnSizes),
			ValueCounts:     intLongKVToMap(df.ValueCounts),
			NullValueCounts: intLongKVToMap(df.NullValueCounts),
			LowerBounds:     intBytesKVToMap(df.LowerBounds),
			UpperBounds:     intBytesKVToMap(df.UpperBounds),
		},
	}, nil
}

// WriteList encodes a snapshot's manifest list under key, refusing to
// overwrite an existing object.
func WriteList(ctx context.Context, store objstore.Store, key string, snapshotID int64, parentID *int64, seq int64, files []File) error {
	meta := map[string][]byte{
		"format-version":  []byte(formatVersion),
		"snapshot-id":     []byte(strconv.FormatInt(snapshotID, 10)),
		"sequence-number": []byte(strconv.FormatInt(seq, 10)),
	}
	if parentID != nil {
		meta["parent-snapshot-id"] = []byte(strconv.FormatInt(*parentID, 10))
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestListAvroSchema, &buf, ocf.WithMetadata(meta), ocf.WithCodec(ocf.Deflate))
	if err != nil {
		return fmt.Errorf("create manifest list encoder: %w", err)
	}
	for _, f := range files {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encode manifest list entry: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close manifest list encoder: %w", err)
	}

	if err := objstore.PutIfAbsent(ctx, store, key, buf.Bytes()); err != nil {
		return fmt.Errorf("write manifest list %s: %w", key, err)
	}
	metrics.ManifestsWritten.WithLabelValues("list").Inc()
	return nil
}

// ReadList decodes the manifest list at key.
func ReadList(ctx context.Context, store objstore.Store, key string) ([]File, error) {
	corrupt := func(err error) ([]File, error) {
		return nil, &icetableerr.CorruptMetadataError{Location: key, Err: err}
	}

	obj, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return corrupt(err)
		}
		return nil, fmt.Errorf("read manifest list %s: %w", key, err)
	}
	dec, err := ocf.NewDecoder(bytes.NewReader(obj.Data))
	if err != nil {
		return corrupt(fmt.Errorf("open avro container: %w", err))
	}
	var files []File
	for dec.HasNext() {
		var f File
		if err := dec.Decode(&f); err != nil {
			return corrupt(fmt.Errorf("decode manifest list entry: %w", err))
		}
		files = append(files, f)
	}
	if err := dec.Error(); err != nil {
		return corrupt(fmt.Errorf("read avro container: %w", err))
	}
	return files, nil
}

func mapToIntLongKV(m map[int]int64) []intLongKV {
	if len(m) == 0 {
		return nil
	}
	out := make([]intLongKV, 0, len(m))
	for k, v := range m {
		out = append(out, intLongKV{Key: k, Value: v})
	}
	return out
}

func mapToIntBytesKV(m map[int][]byte) []intBytesKV {
	if len(m) == 0 {
		return nil
	}
	out := make([]intBytesKV, 0, len(m))
	for k, v := range m {
		out = append(out, intBytesKV{Key: k, Value: v})
	}
	return out
}

func intLongKVToMap(kvs []intLongKV) map[int]int64 {
	if kvs == nil {
		return nil
	}
	out := make(map[int]int64, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func intBytesKVToMap(kvs []intBytesKV) map[int][]byte {
	if kvs == nil {
		return nil
	}
	out := make(map[int][]byte, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

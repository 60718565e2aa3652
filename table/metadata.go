// Package table implements the snapshot log of a table: immutable metadata
// versions, the commit transition between them, and the operations built
// on it (appends, overwrites, deletes, scans and maintenance).
package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

const (
	FormatVersion = 2
	// NoSnapshot is the current snapshot id of a table nothing was committed to.
	NoSnapshot int64 = -1

	// PropMetadataPreviousVersionsMax bounds the metadata log.
	PropMetadataPreviousVersionsMax = "write.metadata.previous-versions-max"
	defaultPreviousVersionsMax      = 100
)

// Operation is the kind of change a snapshot made.
type Operation string

const (
	OpAppend    Operation = "append"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
	OpReplace   Operation = "replace"
)

// Summary holds snapshot statistics. The "operation" key is always set.
type Summary map[string]string

func (s Summary) Operation() Operation { return Operation(s["operation"]) }

func (s Summary) Int(key string) int64 {
	n, _ := strconv.ParseInt(s[key], 10, 64)
	return n
}

// Snapshot is the state of a table after one commit.
type Snapshot struct {
	SnapshotID       int64   `json:"snapshot-id"`
	ParentSnapshotID *int64  `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64   `json:"sequence-number"`
	TimestampMs      int64   `json:"timestamp-ms"`
	ManifestList     string  `json:"manifest-list"`
	Summary          Summary `json:"summary"`
	SchemaID         int     `json:"schema-id"`
}

func (s *Snapshot) Timestamp() time.Time { return time.UnixMilli(s.TimestampMs).UTC() }

// SnapshotLogEntry records when a snapshot became current.
type SnapshotLogEntry struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}

// MetadataLogEntry records a previous metadata version.
type MetadataLogEntry struct {
	MetadataFile string `json:"metadata-file"`
	TimestampMs  int64  `json:"timestamp-ms"`
}

// Metadata is one immutable version of a table's state. Values are never
// modified after being written; changes work on a clone.
type Metadata struct {
	FormatVersion      int                `json:"format-version"`
	TableUUID          uuid.UUID          `json:"table-uuid"`
	Location           string             `json:"location"`
	LastSequenceNumber int64              `json:"last-sequence-number"`
	LastUpdatedMs      int64              `json:"last-updated-ms"`
	LastColumnID       int                `json:"last-column-id"`
	Schemas            []*schema.Schema   `json:"schemas"`
	CurrentSchemaID    int                `json:"current-schema-id"`
	PartitionSpecs     []*partition.Spec  `json:"partition-specs"`
	DefaultSpecID      int                `json:"default-spec-id"`
	LastPartitionID    int                `json:"last-partition-id"`
	Properties         map[string]string  `json:"properties,omitempty"`
	CurrentSnapshotID  int64              `json:"current-snapshot-id"`
	Snapshots          []Snapshot         `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry `json:"metadata-log"`
}

// NewMetadata builds the metadata of an empty table. The spec is validated
// against the schema.
func NewMetadata(sc *schema.Schema, spec *partition.Spec, location string, props map[string]string) (*Metadata, error) {
	if sc == nil {
		return nil, &icetableerr.InvalidSchemaError{Reason: "schema is required"}
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if spec == nil {
		spec = partition.Unpartitioned()
	}
	if err := spec.Validate(sc); err != nil {
		return nil, err
	}
	if location == "" {
		return nil, errors.New("table location is required")
	}

	sc0 := *sc
	sc0.ID = 0
	spec0 := *spec
	spec0.ID = 0

	return &Metadata{
		FormatVersion:     FormatVersion,
		TableUUID:         uuid.New(),
		Location:          location,
		LastUpdatedMs:     time.Now().UnixMilli(),
		LastColumnID:      sc.HighestFieldID(),
		Schemas:           []*schema.Schema{&sc0},
		PartitionSpecs:    []*partition.Spec{&spec0},
		LastPartitionID:   spec.LastFieldID(),
		Properties:        maps.Clone(props),
		CurrentSnapshotID: NoSnapshot,
		Snapshots:         []Snapshot{},
		SnapshotLog:       []SnapshotLogEntry{},
		MetadataLog:       []MetadataLogEntry{},
	}, nil
}

// Validate checks the structural invariants a reader relies on.
func (m *Metadata) Validate() error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version %d", m.FormatVersion)
	}
	if m.TableUUID == uuid.Nil {
		return errors.New("missing table uuid")
	}
	if m.Location == "" {
		return errors.New("missing location")
	}

	schemaIDs := make(map[int]bool, len(m.Schemas))
	for _, sc := range m.Schemas {
		if sc == nil {
			return errors.New("null schema")
		}
		if schemaIDs[sc.ID] {
			return fmt.Errorf("duplicate schema id %d", sc.ID)
		}
		schemaIDs[sc.ID] = true
		if err := sc.Validate(); err != nil {
			return err
		}
		if hi := sc.HighestFieldID(); hi > m.LastColumnID {
			return fmt.Errorf("schema %d has column id %d above last-column-id %d", sc.ID, hi, m.LastColumnID)
		}
	}
	if !schemaIDs[m.CurrentSchemaID] {
		return fmt.Errorf("current schema %d not found", m.CurrentSchemaID)
	}

	specIDs := make(map[int]bool, len(m.PartitionSpecs))
	for _, s := range m.PartitionSpecs {
		if s == nil {
			return errors.New("null partition spec")
		}
		if specIDs[s.ID] {
			return fmt.Errorf("duplicate partition spec id %d", s.ID)
		}
		specIDs[s.ID] = true
	}
	if !specIDs[m.DefaultSpecID] {
		return fmt.Errorf("default partition spec %d not found", m.DefaultSpecID)
	}

	snapIDs := make(map[int64]bool, len(m.Snapshots))
	for _, s := range m.Snapshots {
		if snapIDs[s.SnapshotID] {
			return fmt.Errorf("duplicate snapshot id %d", s.SnapshotID)
		}
		snapIDs[s.SnapshotID] = true
		if s.SequenceNumber > m.LastSequenceNumber {
			return fmt.Errorf("snapshot %d sequence number %d above last-sequence-number %d", s.SnapshotID, s.SequenceNumber, m.LastSequenceNumber)
		}
		if !schemaIDs[s.SchemaID] {
			return fmt.Errorf("snapshot %d references unknown schema %d", s.SnapshotID, s.SchemaID)
		}
		if s.ManifestList == "" {
			return fmt.Errorf("snapshot %d has no manifest list", s.SnapshotID)
		}
	}
	if m.CurrentSnapshotID != NoSnapshot && !snapIDs[m.CurrentSnapshotID] {
		return fmt.Errorf("current snapshot %d not found", m.CurrentSnapshotID)
	}
	return nil
}

func (m *Metadata) CurrentSchema() *schema.Schema {
	sc, _ := m.SchemaByID(m.CurrentSchemaID)
	return sc
}

func (m *Metadata) SchemaByID(id int) (*schema.Schema, error) {
	for _, sc := range m.Schemas {
		if sc.ID == id {
			return sc, nil
		}
	}
	return nil, &icetableerr.NotFoundError{Kind: "schema", Name: strconv.Itoa(id)}
}

func (m *Metadata) DefaultSpec() *partition.Spec {
	s, _ := m.SpecByID(m.DefaultSpecID)
	return s
}

func (m *Metadata) SpecByID(id int) (*partition.Spec, error) {
	for _, s := range m.PartitionSpecs {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, &icetableerr.NotFoundError{Kind: "partition spec", Name: strconv.Itoa(id)}
}

// CurrentSnapshot returns nil for an empty table.
func (m *Metadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == NoSnapshot {
		return nil
	}
	s, _ := m.SnapshotByID(m.CurrentSnapshotID)
	return s
}

func (m *Metadata) SnapshotByID(id int64) (*Snapshot, error) {
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i], nil
		}
	}
	return nil, &icetableerr.NotFoundError{Kind: "snapshot", Name: strconv.FormatInt(id, 10)}
}

// SnapshotAsOf returns the snapshot that was current at ts, according to
// the snapshot log.
func (m *Metadata) SnapshotAsOf(ts time.Time) (*Snapshot, error) {
	ms := ts.UnixMilli()
	found := NoSnapshot
	for _, e := range m.SnapshotLog {
		if e.TimestampMs > ms {
			break
		}
		found = e.SnapshotID
	}
	if found == NoSnapshot {
		return nil, &icetableerr.NotFoundError{Kind: "snapshot", Name: "as of " + ts.UTC().Format(time.RFC3339)}
	}
	return m.SnapshotByID(found)
}

// Ancestors returns the snapshot with the given id followed by its parents,
// stopping at the first one no longer in the metadata.
func (m *Metadata) Ancestors(id int64) []*Snapshot {
	var out []*Snapshot
	for id != NoSnapshot {
		s, err := m.SnapshotByID(id)
		if err != nil {
			break
		}
		out = append(out, s)
		if s.ParentSnapshotID == nil {
			break
		}
		id = *s.ParentSnapshotID
	}
	return out
}

func (m *Metadata) previousVersionsMax() int {
	if v, ok := m.Properties[PropMetadataPreviousVersionsMax]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultPreviousVersionsMax
}

func (m *Metadata) clone() *Metadata {
	c := *m
	c.Schemas = slices.Clone(m.Schemas)
	c.PartitionSpecs = slices.Clone(m.PartitionSpecs)
	c.Properties = maps.Clone(m.Properties)
	c.Snapshots = slices.Clone(m.Snapshots)
	c.SnapshotLog = slices.Clone(m.SnapshotLog)
	c.MetadataLog = slices.Clone(m.MetadataLog)
	return &c
}

// MetadataLocation returns a fresh object key for metadata version v of the
// table at location.
func MetadataLocation(location string, v int) string {
	return objstore.Join(location, "metadata", fmt.Sprintf("%05d-%s.metadata.json", v, uuid.NewString()))
}

// MetadataVersion parses the version out of a metadata location, or
// returns -1.
func MetadataVersion(loc string) int {
	base := path.Base(loc)
	prefix, _, ok := strings.Cut(base, "-")
	if !ok {
		return -1
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return -1
	}
	return v
}

// WriteMetadata stores m at loc. Metadata objects are never overwritten.
func WriteMetadata(ctx context.Context, store objstore.Store, loc string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := objstore.PutIfAbsent(ctx, store, loc, data); err != nil {
		return fmt.Errorf("write metadata %s: %w", loc, err)
	}
	return nil
}

// ReadMetadata loads and validates the metadata at loc. A missing or
// malformed object is corrupt: something points at it.
func ReadMetadata(ctx context.Context, store objstore.Store, loc string) (*Metadata, error) {
	obj, err := store.Get(ctx, loc)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, &icetableerr.CorruptMetadataError{Location: loc, Err: err}
		}
		return nil, fmt.Errorf("read metadata %s: %w", loc, err)
	}
	var m Metadata
	if err := json.Unmarshal(obj.Data, &m); err != nil {
		return nil, &icetableerr.CorruptMetadataError{Location: loc, Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &icetableerr.CorruptMetadataError{Location: loc, Err: err}
	}
	return &m, nil
}

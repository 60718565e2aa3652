package table

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

// UpdateSchema evolves the current schema with the changes fn makes and
// commits the result as the new current schema. Column ids are never
// reused. Columns a partition spec derives values from cannot be deleted.
func (t *Table) UpdateSchema(ctx context.Context, fn func(u *schema.Update)) (*Table, error) {
	current := t.Schema()
	u := schema.NewUpdate(current, t.meta.LastColumnID)
	fn(u)
	next, lastID, err := u.Apply()
	if err != nil {
		return nil, err
	}
	if next.Equivalent(current) {
		return t, nil
	}

	for _, spec := range t.meta.PartitionSpecs {
		for _, f := range spec.Fields {
			if _, ok := next.ColumnByID(f.SourceID); !ok {
				c, _ := current.ColumnByID(f.SourceID)
				return nil, &icetableerr.InvalidSchemaError{Column: c.Name, Reason: "is the source of partition field " + f.Name}
			}
		}
	}

	for _, sc := range t.meta.Schemas {
		next.ID = max(next.ID, sc.ID+1)
	}
	meta := t.meta.clone()
	meta.Schemas = append(meta.Schemas, next)
	meta.CurrentSchemaID = next.ID
	meta.LastColumnID = max(meta.LastColumnID, lastID)
	nt, err := t.commitMetadata(ctx, meta)
	if err != nil {
		return nil, err
	}
	t.logger.Info("updated schema", "schema_id", next.ID, "last_column_id", meta.LastColumnID)
	return nt, nil
}

// UpdateSpec builds a partition spec for the current schema with fn and
// makes it the default. Data files keep the spec they were written with.
// Field ids continue after every id any earlier spec used.
func (t *Table) UpdateSpec(ctx context.Context, fn func(b *partition.Builder)) (*Table, error) {
	nextID := 0
	for _, s := range t.meta.PartitionSpecs {
		nextID = max(nextID, s.ID+1)
	}
	b := partition.NewBuilder(t.Schema()).WithSpecID(nextID).StartingFieldID(t.meta.LastPartitionID + 1)
	fn(b)
	spec, err := b.Build()
	if err != nil {
		return nil, err
	}

	meta := t.meta.clone()
	reused := false
	for _, s := range t.meta.PartitionSpecs {
		if s.Equivalent(spec) {
			if s.ID == t.meta.DefaultSpecID {
				return t, nil
			}
			meta.DefaultSpecID = s.ID
			reused = true
			break
		}
	}
	if !reused {
		meta.PartitionSpecs = append(meta.PartitionSpecs, spec)
		meta.DefaultSpecID = spec.ID
		meta.LastPartitionID = max(meta.LastPartitionID, spec.LastFieldID())
	}

	nt, err := t.commitMetadata(ctx, meta)
	if err != nil {
		return nil, err
	}
	t.logger.Info("updated partition spec", "spec_id", meta.DefaultSpecID, "spec", nt.Spec().String())
	return nt, nil
}

// SetProperties sets and removes table properties in one metadata commit.
func (t *Table) SetProperties(ctx context.Context, set map[string]string, remove []string) (*Table, error) {
	meta := t.meta.clone()
	if meta.Properties == nil {
		meta.Properties = make(map[string]string)
	}
	maps.Copy(meta.Properties, set)
	for _, k := range remove {
		delete(meta.Properties, k)
	}
	if maps.Equal(meta.Properties, t.meta.Properties) {
		return t, nil
	}
	return t.commitMetadata(ctx, meta)
}

// RollbackTo makes an ancestor of the current snapshot current again. No
// snapshot is created; later snapshots stay in the metadata until expired.
func (t *Table) RollbackTo(ctx context.Context, snapshotID int64) (*Table, error) {
	if snapshotID == t.meta.CurrentSnapshotID {
		return t, nil
	}
	ancestor := false
	for _, s := range t.meta.Ancestors(t.meta.CurrentSnapshotID) {
		if s.SnapshotID == snapshotID {
			ancestor = true
			break
		}
	}
	if !ancestor {
		return nil, &icetableerr.NotFoundError{Kind: "ancestor snapshot", Name: strconv.FormatInt(snapshotID, 10)}
	}

	meta := t.meta.clone()
	meta.CurrentSnapshotID = snapshotID
	meta.SnapshotLog = append(meta.SnapshotLog, SnapshotLogEntry{SnapshotID: snapshotID, TimestampMs: time.Now().UnixMilli()})
	nt, err := t.commitMetadata(ctx, meta)
	if err != nil {
		return nil, err
	}
	t.logger.Info("rolled back", "snapshot_id", snapshotID)
	return nt, nil
}

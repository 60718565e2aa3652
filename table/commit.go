package table

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/tracing"
)

// Commit adds a snapshot whose parent is base and whose files are listed by
// manifestList, and makes it current. base must be this handle's current
// snapshot id (NoSnapshot for an empty table), otherwise the commit fails
// with icetableerr.ConcurrentModificationError. It also fails that way when
// another writer moved the catalog pointer since this handle was loaded.
//
// The new snapshot id is the table's next sequence number. Commit never
// retries: on a conflict the caller refreshes, re-validates and decides.
func (t *Table) Commit(ctx context.Context, base int64, manifestList string, op Operation, summary Summary) (*Table, error) {
	ctx, span := t.tracer.Start(ctx, "icetable.commit",
		trace.WithAttributes(
			tracing.TableKey.String(t.name),
			tracing.OperationKey.String(string(op)),
		))
	defer span.End()

	start := time.Now()
	nt, err := t.commit(ctx, base, manifestList, op, summary)
	metrics.Commits.WithLabelValues(string(op), metrics.Outcome(err)).Inc()
	metrics.CommitDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	snap := nt.CurrentSnapshot()
	span.SetAttributes(tracing.SnapshotKey.Int64(snap.SnapshotID))
	t.logger.Info("committed snapshot",
		"snapshot_id", snap.SnapshotID,
		"operation", op,
		"added_data_files", summary["added-data-files"],
		"deleted_data_files", summary["deleted-data-files"],
		"metadata_location", nt.location,
		"duration_s", time.Since(start).Seconds(),
	)
	return nt, nil
}

func (t *Table) commit(ctx context.Context, base int64, manifestList string, op Operation, summary Summary) (*Table, error) {
	if base != t.meta.CurrentSnapshotID {
		return nil, &icetableerr.ConcurrentModificationError{
			Table:    t.name,
			Expected: "snapshot " + strconv.FormatInt(base, 10),
			Actual:   "snapshot " + strconv.FormatInt(t.meta.CurrentSnapshotID, 10),
		}
	}

	now := time.Now().UnixMilli()
	seq := t.meta.LastSequenceNumber + 1
	sum := maps.Clone(summary)
	if sum == nil {
		sum = Summary{}
	}
	sum["operation"] = string(op)

	snap := Snapshot{
		SnapshotID:     seq,
		SequenceNumber: seq,
		TimestampMs:    now,
		ManifestList:   manifestList,
		Summary:        sum,
		SchemaID:       t.meta.CurrentSchemaID,
	}
	if base != NoSnapshot {
		parent := base
		snap.ParentSnapshotID = &parent
	}

	next := t.meta.clone()
	next.LastSequenceNumber = seq
	next.Snapshots = append(next.Snapshots, snap)
	next.CurrentSnapshotID = snap.SnapshotID
	next.SnapshotLog = append(next.SnapshotLog, SnapshotLogEntry{SnapshotID: snap.SnapshotID, TimestampMs: now})
	return t.commitMetadata(ctx, next)
}

// commitMetadata writes next as a new metadata version and swaps the
// catalog pointer to it. The written object is removed only when the swap
// was rejected; any other swap failure is a CommitStateUnknownError and the
// object stays, since the pointer may already name it.
func (t *Table) commitMetadata(ctx context.Context, next *Metadata) (*Table, error) {
	next.LastUpdatedMs = max(time.Now().UnixMilli(), t.meta.LastUpdatedMs)
	next.MetadataLog = append(next.MetadataLog, MetadataLogEntry{MetadataFile: t.location, TimestampMs: t.meta.LastUpdatedMs})
	if keep := next.previousVersionsMax(); len(next.MetadataLog) > keep {
		next.MetadataLog = next.MetadataLog[len(next.MetadataLog)-keep:]
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	loc := MetadataLocation(next.Location, MetadataVersion(t.location)+1)
	if err := WriteMetadata(ctx, t.store, loc, next); err != nil {
		return nil, err
	}
	if err := t.pointer.Swap(ctx, t.location, loc); err != nil {
		if !swapRejected(err) {
			t.logger.Error("commit state unknown, keeping written metadata", "metadata_location", loc, "error", err)
			return nil, &icetableerr.CommitStateUnknownError{Table: t.name, Metadata: loc, Err: err}
		}
		if errors.Is(err, icetableerr.ErrConcurrentModification) {
			t.logger.Warn("commit lost the race for the table pointer", "expected", t.location, "error", err)
		}
		if derr := t.store.Delete(context.WithoutCancel(ctx), loc); derr != nil {
			t.logger.Warn("remove unreferenced metadata", "metadata_location", loc, "error", derr)
		}
		return nil, err
	}
	return t.with(next, loc), nil
}

// swapRejected reports whether err proves the pointer did not move.
func swapRejected(err error) bool {
	return errors.Is(err, icetableerr.ErrConcurrentModification) ||
		errors.Is(err, icetableerr.ErrNotFound) ||
		errors.Is(err, icetableerr.ErrInvalidIdentifier)
}

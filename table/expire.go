package table

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florinutz/icetable/internal/ratelimit"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/metrics"
)

// ExpireOptions selects the snapshots to expire. A snapshot is expired when
// it is older than OlderThan and is not among the RetainLast most recent
// ancestors of the current snapshot. The current snapshot is always kept.
type ExpireOptions struct {
	OlderThan   time.Time // zero means now
	RetainLast  int       // at least 1
	DeleteRate  float64   // object deletions per second, <= 0 for unlimited
	DeleteBurst int
}

// ExpireResult counts what an expiry removed.
type ExpireResult struct {
	ExpiredSnapshots     int
	DeletedManifestLists int
	DeletedManifests     int
	DeletedDataFiles     int
	// Throttled is the total time deletions waited on the delete rate.
	Throttled time.Duration
}

// ExpireSnapshots removes expired snapshots from the metadata, commits, and
// then deletes the manifest lists, manifests and data files that only the
// expired snapshots referenced.
func (t *Table) ExpireSnapshots(ctx context.Context, opts ExpireOptions) (*Table, ExpireResult, error) {
	var res ExpireResult
	olderThan := opts.OlderThan
	if olderThan.IsZero() {
		olderThan = time.Now()
	}
	retainLast := max(opts.RetainLast, 1)

	retain := make(map[int64]bool)
	for i, s := range t.meta.Ancestors(t.meta.CurrentSnapshotID) {
		if i >= retainLast {
			break
		}
		retain[s.SnapshotID] = true
	}

	var kept, expired []Snapshot
	for _, s := range t.meta.Snapshots {
		if !retain[s.SnapshotID] && s.TimestampMs < olderThan.UnixMilli() {
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	if len(expired) == 0 {
		return t, res, nil
	}

	meta := t.meta.clone()
	meta.Snapshots = kept
	keptIDs := make(map[int64]bool, len(kept))
	for _, s := range kept {
		keptIDs[s.SnapshotID] = true
	}
	meta.SnapshotLog = slices.DeleteFunc(meta.SnapshotLog, func(e SnapshotLogEntry) bool { return !keptIDs[e.SnapshotID] })

	nt, err := t.commitMetadata(ctx, meta)
	if err != nil {
		return nil, res, err
	}
	res.ExpiredSnapshots = len(expired)
	metrics.SnapshotsExpired.Add(float64(len(expired)))

	lists, manifests, dataFiles, err := t.unreachable(ctx, kept, expired)
	if err != nil {
		return nt, res, fmt.Errorf("find unreachable objects: %w", err)
	}

	limiter := ratelimit.New(opts.DeleteRate, opts.DeleteBurst, t.name, t.logger)
	deleted, err := t.deleteObjects(ctx, limiter, "data_file", dataFiles)
	res.DeletedDataFiles = deleted
	if err != nil {
		return nt, res, err
	}
	deleted, err = t.deleteObjects(ctx, limiter, "manifest", manifests)
	res.DeletedManifests = deleted
	if err != nil {
		return nt, res, err
	}
	deleted, err = t.deleteObjects(ctx, limiter, "manifest_list", lists)
	res.DeletedManifestLists = deleted
	if err != nil {
		return nt, res, err
	}

	_, res.Throttled = limiter.Throttled()
	t.logger.Info("expired snapshots",
		"expired", res.ExpiredSnapshots,
		"deleted_data_files", res.DeletedDataFiles,
		"deleted_manifests", res.DeletedManifests,
		"deleted_manifest_lists", res.DeletedManifestLists,
		"throttled", res.Throttled,
	)
	return nt, res, nil
}

// unreachable computes the manifest lists and manifests referenced only by
// expired snapshots, and the data files no kept snapshot has live. Scans
// never read a file that is not live in their snapshot, so those data files
// can go even while a kept manifest still mentions them.
func (t *Table) unreachable(ctx context.Context, kept, expired []Snapshot) (lists, manifests, dataFiles []string, err error) {
	keptLists := make(map[string]bool)
	keptManifests := make(map[string]bool)
	keptFiles := make(map[string]bool)
	var candidates []string
	for i := range kept {
		s := &kept[i]
		keptLists[s.ManifestList] = true
		files, err := t.manifestFiles(ctx, s)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, f := range files {
			keptManifests[f.Path] = true
		}
		entries, err := t.readEntries(ctx, files)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, df := range manifest.LiveFiles(entries) {
			keptFiles[df.Path] = true
		}
		for _, e := range entries {
			candidates = append(candidates, e.DataFile.Path)
		}
	}

	seenManifests := make(map[string]bool)
	for i := range expired {
		s := &expired[i]
		if !keptLists[s.ManifestList] {
			lists = append(lists, s.ManifestList)
		}
		files, err := t.manifestFiles(ctx, s)
		if err != nil {
			return nil, nil, nil, err
		}
		var gone []manifest.File
		for _, f := range files {
			if keptManifests[f.Path] || seenManifests[f.Path] {
				continue
			}
			seenManifests[f.Path] = true
			manifests = append(manifests, f.Path)
			gone = append(gone, f)
		}
		entries, err := t.readEntries(ctx, gone)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, e := range entries {
			candidates = append(candidates, e.DataFile.Path)
		}
	}

	seen := make(map[string]bool)
	for _, p := range candidates {
		if keptFiles[p] || seen[p] {
			continue
		}
		seen[p] = true
		dataFiles = append(dataFiles, p)
	}
	return lists, manifests, dataFiles, nil
}

func (t *Table) deleteObjects(ctx context.Context, limiter *ratelimit.Limiter, kind string, keys []string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	deleted := make([]bool, len(keys))
	for i, key := range keys {
		if err := limiter.Wait(gctx, kind); err != nil {
			break
		}
		g.Go(func() error {
			if err := t.store.Delete(gctx, key); err != nil {
				return fmt.Errorf("delete %s %s: %w", kind, key, err)
			}
			deleted[i] = true
			metrics.GCObjectsDeleted.WithLabelValues(kind).Inc()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	n := 0
	for _, ok := range deleted {
		if ok {
			n++
		}
	}
	return n, err
}

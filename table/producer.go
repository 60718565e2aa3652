package table

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/internal/safegoroutine"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/objstore"
)

// Append adds data files to the table.
type Append struct {
	p producer
}

// NewAppend starts an append based on this handle's current snapshot.
func (t *Table) NewAppend() *Append {
	return &Append{p: producer{t: t, op: OpAppend}}
}

func (a *Append) AppendFile(files ...manifest.DataFile) *Append {
	a.p.added = append(a.p.added, files...)
	return a
}

// Commit writes the delta manifest and manifest list and commits them.
func (a *Append) Commit(ctx context.Context) (*Table, error) { return a.p.commit(ctx) }

// Overwrite replaces data files: the deleted paths stop being live and the
// added files become live in one snapshot.
type Overwrite struct {
	p producer
}

func (t *Table) NewOverwrite() *Overwrite {
	return &Overwrite{p: producer{t: t, op: OpOverwrite}}
}

func (o *Overwrite) AddFile(files ...manifest.DataFile) *Overwrite {
	o.p.added = append(o.p.added, files...)
	return o
}

func (o *Overwrite) DeleteFile(paths ...string) *Overwrite {
	o.p.deleted = append(o.p.deleted, paths...)
	return o
}

// ValidateFromSnapshot makes the commit fail with a concurrent modification
// error if any snapshot committed after id added or deleted files in a
// partition this overwrite touches. Use it when retrying on a newer base.
func (o *Overwrite) ValidateFromSnapshot(id int64) *Overwrite {
	o.p.validateFrom = &id
	return o
}

func (o *Overwrite) Commit(ctx context.Context) (*Table, error) { return o.p.commit(ctx) }

// Delete removes data files from the live set.
type Delete struct {
	p producer
}

func (t *Table) NewDelete() *Delete {
	return &Delete{p: producer{t: t, op: OpDelete}}
}

func (d *Delete) DeleteFile(paths ...string) *Delete {
	d.p.deleted = append(d.p.deleted, paths...)
	return d
}

func (d *Delete) Commit(ctx context.Context) (*Table, error) { return d.p.commit(ctx) }

// RewriteManifests compacts every manifest of the current snapshot into
// one manifest per partition spec. The live set does not change.
type RewriteManifests struct {
	p producer
}

func (t *Table) NewRewriteManifests() *RewriteManifests {
	return &RewriteManifests{p: producer{t: t, op: OpReplace, rewrite: true}}
}

func (r *RewriteManifests) Commit(ctx context.Context) (*Table, error) { return r.p.commit(ctx) }

type producer struct {
	t            *Table
	op           Operation
	added        []manifest.DataFile
	deleted      []string
	rewrite      bool
	validateFrom *int64

	written []string
}

func (p *producer) commit(ctx context.Context) (*Table, error) {
	t := p.t
	base := t.meta.CurrentSnapshotID
	seq := t.meta.LastSequenceNumber + 1

	listKey, summary, err := p.prepare(ctx, seq)
	if err != nil {
		p.cleanup(ctx)
		return nil, err
	}
	nt, err := t.Commit(ctx, base, listKey, p.op, summary)
	if err != nil {
		if !errors.Is(err, icetableerr.ErrCommitStateUnknown) {
			p.cleanup(ctx)
		}
		return nil, err
	}
	return nt, nil
}

// prepare writes the manifests and the manifest list of snapshot seq and
// returns the manifest list key and the snapshot summary.
func (p *producer) prepare(ctx context.Context, seq int64) (string, Summary, error) {
	t := p.t
	current := t.CurrentSnapshot()
	prevFiles, err := t.manifestFiles(ctx, current)
	if err != nil {
		return "", nil, err
	}

	if p.validateFrom != nil {
		if err := p.validate(ctx); err != nil {
			return "", nil, err
		}
	}

	for _, df := range p.added {
		if slices.Contains(p.deleted, df.Path) {
			return "", nil, fmt.Errorf("data file %s is both deleted and added", df.Path)
		}
	}

	var entries []manifest.Entry
	if p.rewrite || len(p.deleted) > 0 {
		all, err := t.readEntries(ctx, prevFiles)
		if err != nil {
			return "", nil, err
		}
		if p.rewrite {
			entries = manifest.Compact(all)
		} else {
			entries, err = deleteEntries(manifest.LiveFiles(all), p.deleted)
			if err != nil {
				return "", nil, err
			}
		}
	}
	for _, df := range p.added {
		if _, err := t.meta.SpecByID(df.SpecID); err != nil {
			return "", nil, fmt.Errorf("data file %s: %w", df.Path, err)
		}
		entries = append(entries, manifest.Entry{Status: manifest.StatusAdded, DataFile: df})
	}

	refs, err := p.writeManifests(ctx, seq, entries)
	if err != nil {
		return "", nil, err
	}
	files := refs
	if !p.rewrite {
		files = manifest.Merge(prevFiles, refs...)
	}

	listKey := objstore.Join(t.meta.Location, "metadata", fmt.Sprintf("snap-%d-%s.avro", seq, uuid.NewString()))
	var parent *int64
	if current != nil {
		parent = &current.SnapshotID
	}
	if err := manifest.WriteList(ctx, t.store, listKey, seq, parent, seq, files); err != nil {
		return "", nil, err
	}
	p.written = append(p.written, listKey)

	return listKey, p.summary(current, entries, len(refs)), nil
}

func deleteEntries(live []manifest.DataFile, paths []string) ([]manifest.Entry, error) {
	byPath := make(map[string]manifest.DataFile, len(live))
	for _, df := range live {
		byPath[df.Path] = df
	}
	var out []manifest.Entry
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		df, ok := byPath[path]
		if !ok {
			return nil, &icetableerr.NotFoundError{Kind: "data file", Name: path}
		}
		out = append(out, manifest.Entry{Status: manifest.StatusDeleted, DataFile: df})
	}
	return out, nil
}

// writeManifests writes one manifest per partition spec present in entries.
func (p *producer) writeManifests(ctx context.Context, seq int64, entries []manifest.Entry) ([]manifest.File, error) {
	t := p.t
	bySpec := make(map[int][]manifest.Entry)
	for _, e := range entries {
		bySpec[e.DataFile.SpecID] = append(bySpec[e.DataFile.SpecID], e)
	}

	prefix := uuid.NewString()
	var refs []manifest.File
	for i, specID := range slices.Sorted(maps.Keys(bySpec)) {
		spec, err := t.meta.SpecByID(specID)
		if err != nil {
			return nil, err
		}
		key := objstore.Join(t.meta.Location, "metadata", fmt.Sprintf("%s-m%d.avro", prefix, i))
		ref, err := manifest.Write(ctx, t.store, key, manifest.Header{Schema: t.Schema(), Spec: spec}, seq, seq, bySpec[specID])
		if err != nil {
			return nil, err
		}
		p.written = append(p.written, key)
		refs = append(refs, ref)
	}
	return refs, nil
}

func (p *producer) summary(parent *Snapshot, entries []manifest.Entry, manifests int) Summary {
	var addedFiles, addedRecords, addedSize, deletedFiles, deletedRecords, deletedSize int64
	for _, e := range entries {
		switch e.Status {
		case manifest.StatusAdded:
			addedFiles++
			addedRecords += e.DataFile.RecordCount
			addedSize += e.DataFile.FileSizeBytes
		case manifest.StatusDeleted:
			deletedFiles++
			deletedRecords += e.DataFile.RecordCount
			deletedSize += e.DataFile.FileSizeBytes
		}
	}

	var prev Summary
	if parent != nil {
		prev = parent.Summary
	}
	s := Summary{
		"total-data-files": strconv.FormatInt(prev.Int("total-data-files")+addedFiles-deletedFiles, 10),
		"total-records":    strconv.FormatInt(prev.Int("total-records")+addedRecords-deletedRecords, 10),
		"total-files-size": strconv.FormatInt(prev.Int("total-files-size")+addedSize-deletedSize, 10),
	}
	if addedFiles > 0 {
		s["added-data-files"] = strconv.FormatInt(addedFiles, 10)
		s["added-records"] = strconv.FormatInt(addedRecords, 10)
		s["added-files-size"] = strconv.FormatInt(addedSize, 10)
	}
	if deletedFiles > 0 {
		s["deleted-data-files"] = strconv.FormatInt(deletedFiles, 10)
		s["deleted-records"] = strconv.FormatInt(deletedRecords, 10)
		s["removed-files-size"] = strconv.FormatInt(deletedSize, 10)
	}
	if p.rewrite {
		s["manifests-created"] = strconv.Itoa(manifests)
	}
	return s
}

// validate rejects the overwrite when a later snapshot touched one of its
// partitions.
func (p *producer) validate(ctx context.Context) error {
	changes, err := p.t.ChangesSince(ctx, *p.validateFrom)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	live, err := p.t.liveFiles(ctx, p.t.CurrentSnapshot())
	if err != nil {
		return err
	}
	touched := make(map[string]bool)
	for _, df := range p.added {
		touched[p.partitionKey(df)] = true
	}
	for _, df := range live {
		if slices.Contains(p.deleted, df.Path) {
			touched[p.partitionKey(df)] = true
		}
	}
	for _, e := range changes {
		if touched[p.partitionKey(e.DataFile)] {
			return &icetableerr.ConcurrentModificationError{
				Table:    p.t.name,
				Expected: "snapshot " + strconv.FormatInt(*p.validateFrom, 10),
				Actual:   "snapshot " + strconv.FormatInt(e.SnapshotID, 10),
				Err:      fmt.Errorf("conflicting change to %s in the overwritten partition", e.DataFile.Path),
			}
		}
	}
	return nil
}

func (p *producer) partitionKey(df manifest.DataFile) string {
	spec, err := p.t.meta.SpecByID(df.SpecID)
	if err != nil {
		return strconv.Itoa(df.SpecID)
	}
	return strconv.Itoa(df.SpecID) + "/" + spec.Key(df.Partition)
}

// cleanup removes the objects this producer wrote; nothing references them.
func (p *producer) cleanup(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range p.written {
		if err := p.t.store.Delete(ctx, key); err != nil {
			p.t.logger.Warn("remove unreferenced manifest", "key", key, "error", err)
		}
	}
	p.written = nil
}

func (t *Table) manifestFiles(ctx context.Context, snap *Snapshot) ([]manifest.File, error) {
	if snap == nil {
		return nil, nil
	}
	return manifest.ReadList(ctx, t.store, snap.ManifestList)
}

// readEntries loads manifests concurrently and returns their entries in
// manifest list order.
func (t *Table) readEntries(ctx context.Context, files []manifest.File) ([]manifest.Entry, error) {
	return t.readEntriesN(ctx, files, 8)
}

func (t *Table) readEntriesN(ctx context.Context, files []manifest.File, limit int) ([]manifest.Entry, error) {
	parts := make([][]manifest.Entry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range files {
		safegoroutine.Go(g, t.logger, "read-manifest", func() error {
			_, entries, err := manifest.Read(gctx, t.store, f.Path)
			if err != nil {
				return err
			}
			parts[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(parts...), nil
}

func (t *Table) liveFiles(ctx context.Context, snap *Snapshot) ([]manifest.DataFile, error) {
	files, err := t.manifestFiles(ctx, snap)
	if err != nil {
		return nil, err
	}
	entries, err := t.readEntries(ctx, files)
	if err != nil {
		return nil, err
	}
	return manifest.LiveFiles(entries), nil
}

// ChangesSince returns the added and deleted entries of every snapshot
// committed on top of snapshotID, newest first. snapshotID must be an
// ancestor of the current snapshot, or NoSnapshot.
func (t *Table) ChangesSince(ctx context.Context, snapshotID int64) ([]manifest.Entry, error) {
	var newer []*Snapshot
	found := snapshotID == NoSnapshot
	for _, s := range t.meta.Ancestors(t.meta.CurrentSnapshotID) {
		if s.SnapshotID == snapshotID {
			found = true
			break
		}
		newer = append(newer, s)
	}
	if !found {
		return nil, &icetableerr.NotFoundError{Kind: "ancestor snapshot", Name: strconv.FormatInt(snapshotID, 10)}
	}

	var out []manifest.Entry
	for _, s := range newer {
		files, err := t.manifestFiles(ctx, s)
		if err != nil {
			return nil, err
		}
		var own []manifest.File
		for _, f := range files {
			if f.AddedSnapshotID == s.SnapshotID {
				own = append(own, f)
			}
		}
		entries, err := t.readEntries(ctx, own)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Status != manifest.StatusExisting && e.SnapshotID == s.SnapshotID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

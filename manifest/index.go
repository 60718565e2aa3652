package manifest

import (
	"maps"
	"slices"
)

// Index resolves the live data files of a snapshot from manifest entries.
//
// A path is live when its newest added or existing entry carries a higher
// sequence number than its newest deleted entry. Resolution only keeps the
// maximum of each per path, so adding entries in any order, in any
// grouping, or more than once gives the same result.
type Index struct {
	paths map[string]*pathState
}

type pathState struct {
	live    *Entry // newest added or existing entry
	deleted int64  // newest deleted sequence number, 0 if none
}

func NewIndex() *Index {
	return &Index{paths: make(map[string]*pathState)}
}

// Add folds entries into the index.
func (ix *Index) Add(entries ...Entry) {
	for i := range entries {
		e := entries[i]
		st, ok := ix.paths[e.DataFile.Path]
		if !ok {
			st = &pathState{}
			ix.paths[e.DataFile.Path] = st
		}
		if e.Status == StatusDeleted {
			st.deleted = max(st.deleted, e.SequenceNumber)
			continue
		}
		if st.live == nil || newer(e, *st.live) {
			st.live = &e
		}
	}
}

// newer orders live entries by sequence number, then prefers added over
// existing so the carried snapshot id is stable.
func newer(a, b Entry) bool {
	if a.SequenceNumber != b.SequenceNumber {
		return a.SequenceNumber > b.SequenceNumber
	}
	return a.Status == StatusAdded && b.Status != StatusAdded
}

// Merge folds another index into this one.
func (ix *Index) Merge(o *Index) {
	for path, st := range o.paths {
		if st.live != nil {
			ix.Add(*st.live)
		}
		if st.deleted > 0 {
			ix.Add(Entry{Status: StatusDeleted, SequenceNumber: st.deleted, DataFile: DataFile{Path: path}})
		}
	}
}

// Live returns the live entries sorted by path.
func (ix *Index) Live() []Entry {
	var out []Entry
	for _, path := range slices.Sorted(maps.Keys(ix.paths)) {
		st := ix.paths[path]
		if st.live != nil && st.live.SequenceNumber > st.deleted {
			out = append(out, *st.live)
		}
	}
	return out
}

// LiveFiles resolves entries into the live data files, sorted by path.
func LiveFiles(entries []Entry) []DataFile {
	ix := NewIndex()
	ix.Add(entries...)
	live := ix.Live()
	out := make([]DataFile, len(live))
	for i, e := range live {
		out[i] = e.DataFile
	}
	return out
}

// Compact rewrites the live entries as existing entries for a single
// consolidated manifest. Sequence numbers are kept so the result resolves
// to the same live set.
func Compact(entries []Entry) []Entry {
	ix := NewIndex()
	ix.Add(entries...)
	live := ix.Live()
	for i := range live {
		live[i].Status = StatusExisting
	}
	return live
}

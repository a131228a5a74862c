//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package sstkv

import (
	"bytes"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

// familyFiles is a compaction's working view of one family: the family's
// segments in age order (oldest first) together with their meta records.
type familyFiles struct {
	family uint32
	metas  []segmentMeta
	segs   []*segment
}

// familyResult describes what compaction did to one family: the contiguous
// age range [mergeStart, mergeEnd) of replaced segments and the files that
// took their place.
type familyResult struct {
	family     uint32
	mergeStart int
	mergeEnd   int
	newMetas   []segmentMeta
	newSegs    []*segment
	// updated obsolete estimates for the family's segments, merged or not
	obsolete []uint64
}

// Compact reorganizes the segment files of every family to bound read
// amplification and reclaim space held by shadowed entries. Readers are never
// blocked: they see either the pre- or post-compaction file set, thanks to
// the atomic meta swap. A failed compaction leaves the previous state fully
// intact, so retrying is always safe.
func (db *DB) Compact(maxObsoleteRatio float64, maxFilesPerFamily int,
	targetFileSize uint64,
) error {
	if db.closed.Load() {
		return ErrClosed
	}

	db.writeLock.Lock()
	defer db.writeLock.Unlock()

	start := time.Now()

	families := db.snapshotFamilies()
	var results []familyResult

	cleanup := func() {
		for _, res := range results {
			closeSegments(res.newSegs)
			for _, meta := range res.newMetas {
				os.Remove(segmentPath(db.dir, meta.seq))
			}
		}
	}

	for _, ff := range families {
		res, err := db.compactFamily(ff, maxObsoleteRatio, maxFilesPerFamily,
			targetFileSize)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "compact family %d", ff.family)
		}
		if res == nil {
			continue
		}
		for _, meta := range res.newMetas {
			seg, err := newSegment(segmentPath(db.dir, meta.seq), db.logger)
			if err != nil {
				results = append(results, *res)
				cleanup()
				return errors.Wrapf(err, "open merged segment %d", meta.seq)
			}
			res.newSegs = append(res.newSegs, seg)
		}
		results = append(results, *res)
	}

	if len(results) == 0 {
		return nil
	}

	if db.preSwapHook != nil {
		if err := db.preSwapHook(); err != nil {
			cleanup()
			return err
		}
	}

	if err := db.swapCompacted(results); err != nil {
		cleanup()
		return err
	}

	db.metrics.observeCompaction(time.Since(start))
	db.logger.WithField("action", "sstkv_compact").
		WithField("families", len(results)).
		WithField("took", time.Since(start)).
		Debug("compacted store")
	return nil
}

// FullCompact merges every family down to the minimum number of files,
// regardless of how little is obsolete.
func (db *DB) FullCompact() error {
	return db.Compact(0, 1, math.MaxUint64)
}

func (db *DB) snapshotFamilies() []familyFiles {
	db.maintenanceLock.RLock()
	defer db.maintenanceLock.RUnlock()

	byFamily := map[uint32]*familyFiles{}
	var order []uint32
	// meta order and the in-memory family slices are kept in lockstep, so
	// walking the meta yields each family's segments oldest first
	position := map[uint32]int{}
	for _, meta := range db.meta.segments {
		ff := byFamily[meta.family]
		if ff == nil {
			ff = &familyFiles{family: meta.family}
			byFamily[meta.family] = ff
			order = append(order, meta.family)
		}
		ff.metas = append(ff.metas, meta)
		ff.segs = append(ff.segs, db.families[meta.family][position[meta.family]])
		position[meta.family]++
	}

	out := make([]familyFiles, 0, len(order))
	for _, family := range order {
		out = append(out, *byFamily[family])
	}
	return out
}

// compactFamily plans and, if warranted, performs the merge for one family.
// It returns nil when there is nothing to do. The live meta file is not
// touched here; only new, so far unreferenced files are written.
func (db *DB) compactFamily(ff familyFiles, maxObsoleteRatio float64,
	maxFilesPerFamily int, targetFileSize uint64,
) (*familyResult, error) {
	if len(ff.segs) < 2 {
		return nil, nil
	}

	obsolete, err := db.estimateObsolete(ff)
	if err != nil {
		return nil, err
	}

	selected := make([]bool, len(ff.segs))

	// files whose key ranges overlap have to be merged together to bound the
	// number of files a lookup touches
	for i := range ff.metas {
		for j := i + 1; j < len(ff.metas); j++ {
			if ff.metas[i].overlaps(ff.metas[j]) {
				selected[i] = true
				selected[j] = true
			}
		}
	}

	// files that mostly contain shadowed entries are worth rewriting on their
	// own
	for i, meta := range ff.metas {
		if meta.entryCount == 0 {
			continue
		}
		ratio := float64(obsolete[i]) / float64(meta.entryCount)
		if ratio > maxObsoleteRatio {
			selected[i] = true
		}
	}

	// too many files per family: merge the oldest down to the limit
	if maxFilesPerFamily > 0 && len(ff.segs) > maxFilesPerFamily {
		for i := 0; i <= len(ff.segs)-maxFilesPerFamily; i++ {
			selected[i] = true
		}
	}

	// A merged output replaces its inputs at one position in the age order,
	// so the merge range must be contiguous: extend the selection to cover
	// any gaps between the oldest and newest selected file.
	mergeStart, mergeEnd := -1, -1
	for i, sel := range selected {
		if sel {
			if mergeStart == -1 {
				mergeStart = i
			}
			mergeEnd = i + 1
		}
	}
	if mergeStart == -1 || mergeEnd-mergeStart < 2 {
		return nil, nil
	}

	newMetas, err := db.mergeSegments(ff.family, ff.segs[mergeStart:mergeEnd],
		targetFileSize)
	if err != nil {
		return nil, err
	}

	return &familyResult{
		family:     ff.family,
		mergeStart: mergeStart,
		mergeEnd:   mergeEnd,
		newMetas:   newMetas,
		obsolete:   obsolete,
	}, nil
}

// estimateObsolete estimates, per file, how many entries are shadowed by
// newer files of the same family. The estimate probes the newer files' bloom
// filters, so it can overshoot (false positives) but never undershoot. It is
// only used to score candidates; drops during the merge itself require an
// exact key match.
func (db *DB) estimateObsolete(ff familyFiles) ([]uint64, error) {
	out := make([]uint64, len(ff.segs))
	for i := 0; i < len(ff.segs)-1; i++ {
		cursor := ff.segs[i].newCursor()
		for {
			key, _, err := cursor.next()
			if err != nil {
				return nil, err
			}
			if key == nil {
				break
			}
			for j := i + 1; j < len(ff.segs); j++ {
				if ff.segs[j].mightContain(key) {
					out[i]++
					break
				}
			}
		}
	}
	return out, nil
}

// mergeSegments streams the given segments (oldest first) through a sorted
// k-way merge and writes the surviving entries into new segment files capped
// at targetFileSize. On key collisions the youngest input wins and the older
// entries are dropped. Blob references are carried over untouched; blob
// contents are never rewritten.
func (db *DB) mergeSegments(family uint32, segs []*segment,
	targetFileSize uint64,
) ([]segmentMeta, error) {
	type cursorState struct {
		cursor *segmentCursor
		key    []byte
		desc   valueDescriptor
	}

	cursors := make([]*cursorState, len(segs))
	for i, seg := range segs {
		state := &cursorState{cursor: seg.newCursor()}
		key, desc, err := state.cursor.next()
		if err != nil {
			return nil, err
		}
		state.key, state.desc = key, desc
		cursors[i] = state
	}

	var out []segmentMeta
	var pending []segmentEntry
	var pendingSize uint64

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		meta, err := writeSegment(db.dir, db.nextSeq(), family, pending)
		if err != nil {
			return err
		}
		out = append(out, meta)
		pending = nil
		pendingSize = 0
		return nil
	}

	for {
		// smallest key wins; among equal keys the youngest segment (highest
		// index) provides the surviving value
		winner := -1
		for i, state := range cursors {
			if state.key == nil {
				continue
			}
			if winner == -1 || bytes.Compare(state.key, cursors[winner].key) < 0 {
				winner = i
			} else if bytes.Equal(state.key, cursors[winner].key) {
				winner = i
			}
		}
		if winner == -1 {
			break
		}

		entry := segmentEntry{key: cursors[winner].key}
		if cursors[winner].desc.tag == valueTagBlob {
			entry.blobSeq = cursors[winner].desc.blobSeq
		} else {
			value, err := segs[winner].resolveValue(cursors[winner].desc)
			if err != nil {
				return nil, err
			}
			entry.value = value
		}

		// advance every cursor positioned at this key; all but the winner's
		// entries are superseded and dropped rather than rewritten
		for _, state := range cursors {
			if state.key == nil || !bytes.Equal(state.key, entry.key) {
				continue
			}
			key, desc, err := state.cursor.next()
			if err != nil {
				return nil, err
			}
			state.key, state.desc = key, desc
		}

		entrySize := uint64(len(entry.key)) + uint64(len(entry.value)) + 32
		if len(pending) > 0 && pendingSize+entrySize > targetFileSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		pending = append(pending, entry)
		pendingSize += entrySize
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// swapCompacted builds the post-compaction meta, writes it atomically and
// only then deletes the superseded segment files and any blob files that no
// surviving entry references.
func (db *DB) swapCompacted(results []familyResult) error {
	resultByFamily := map[uint32]*familyResult{}
	for i := range results {
		resultByFamily[results[i].family] = &results[i]
	}

	db.maintenanceLock.Lock()

	oldBlobs := db.meta.liveBlobs()
	var oldSegments []*segment

	newMeta := &storeMeta{}
	newFamilies := map[uint32][]*segment{}
	position := map[uint32]int{}
	for _, meta := range db.meta.segments {
		pos := position[meta.family]
		position[meta.family] = pos + 1
		seg := db.families[meta.family][pos]

		res := resultByFamily[meta.family]
		if res == nil || pos < res.mergeStart || pos >= res.mergeEnd {
			if res != nil {
				meta.obsolete = res.obsolete[pos]
			}
			newMeta.segments = append(newMeta.segments, meta)
			newFamilies[meta.family] = append(newFamilies[meta.family], seg)
			continue
		}

		// replaced by the merge output, which is spliced in at the start of
		// the range
		oldSegments = append(oldSegments, seg)
		if pos == res.mergeStart {
			for i, newSegMeta := range res.newMetas {
				newMeta.segments = append(newMeta.segments, newSegMeta)
				newFamilies[meta.family] = append(newFamilies[meta.family],
					res.newSegs[i])
			}
		}
	}

	if err := writeMetaFile(db.dir, newMeta); err != nil {
		db.maintenanceLock.Unlock()
		return errors.Wrap(err, "write meta file")
	}
	db.meta = newMeta
	db.families = newFamilies
	newBlobs := newMeta.liveBlobs()
	db.maintenanceLock.Unlock()

	// past the swap the old files can no longer be reached by any reader
	for _, seg := range oldSegments {
		path := seg.path
		if err := seg.close(); err != nil {
			db.logger.WithField("action", "sstkv_compact").
				WithError(err).Warn("close superseded segment")
		}
		if err := os.Remove(path); err != nil {
			db.logger.WithField("action", "sstkv_compact").
				WithError(err).Warn("remove superseded segment")
		}
	}
	for blob := range oldBlobs {
		if _, stillLive := newBlobs[blob]; stillLive {
			continue
		}
		if err := os.Remove(blobPath(db.dir, blob)); err != nil {
			db.logger.WithField("action", "sstkv_compact").
				WithError(err).Warn("remove unreferenced blob")
		}
	}

	db.metrics.observeFileSet(newMeta)
	return nil
}

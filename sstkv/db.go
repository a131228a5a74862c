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

// Package sstkv implements the log-structured persistence engine backing the
// bundler's incremental-computation cache: write batches are flushed into
// immutable, sorted segment files on commit, lookups scan segments newest to
// oldest, and compaction merges segments to bound read amplification. The
// meta file records the live file set, so a store directory is fully
// self-describing and crash recovery is a plain Open.
package sstkv

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DB owns one store directory: the meta file, the live segment set and the
// blob files. It supports any number of concurrent readers; commits and
// compactions are serialized against each other but not against readers.
type DB struct {
	dir            string
	logger         logrus.FieldLogger
	metrics        *Metrics
	shardBits      int
	targetFileSize uint64

	seq atomic.Uint64

	// maintenanceLock: Lock() for swapping the live file set, RLock() for
	// lookups
	maintenanceLock sync.RWMutex
	families        map[uint32][]*segment
	meta            *storeMeta

	// writeLock serializes structural mutations (commit, compaction)
	writeLock sync.Mutex

	closed atomic.Bool

	// preSwapHook, when set, runs after compaction has written its new files
	// but before the meta swap. Tests use it to simulate a crash at the
	// critical point.
	preSwapHook func() error
}

type Option func(*DB)

// WithMetrics registers the store's prometheus collectors with the given
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(db *DB) { db.metrics = NewMetrics(reg) }
}

// WithShardBits sets the number of write-batch shards to 2^bits.
func WithShardBits(bits int) Option {
	return func(db *DB) { db.shardBits = bits }
}

// WithTargetFileSize caps the size of segment files written on commit.
func WithTargetFileSize(size uint64) Option {
	return func(db *DB) { db.targetFileSize = size }
}

// Open reads the meta file in dir, if present, and reconstructs the live
// segment and blob file sets from it. A missing or unparseable meta file
// means an empty store, never a hard failure; a referenced segment that
// cannot be opened is a hard failure, because silently dropping committed
// data is worse than refusing to start. Unreferenced segment and blob files
// (debris from a crash between file write and meta swap) are deleted.
func Open(dir string, logger logrus.FieldLogger, opts ...Option) (*DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	db := &DB{
		dir:            dir,
		logger:         logger,
		shardBits:      DefaultShardBits,
		targetFileSize: DefaultTargetFileSize,
		families:       map[uint32][]*segment{},
		meta:           &storeMeta{},
	}
	for _, opt := range opts {
		opt(db)
	}

	meta, err := readMetaFile(dir)
	switch {
	case err == nil:
		db.meta = meta
	case os.IsNotExist(err):
		// fresh store
	case errors.Is(err, ErrCorrupted):
		logger.WithField("action", "sstkv_open").
			WithField("path", dir).
			WithError(err).
			Warn("meta file corrupt, starting from an empty store")
	default:
		return nil, errors.Wrap(err, "read meta file")
	}

	maxSeq := db.meta.maxSeq()

	// The order of the meta file is the age order: per family, later entries
	// shadow earlier ones. Compaction outputs carry fresh sequence numbers but
	// take over the position of the files they replace, so age must never be
	// derived from the sequence number alone.
	for _, segMeta := range db.meta.segments {
		seg, err := newSegment(segmentPath(dir, segMeta.seq), logger)
		if err != nil {
			return nil, errors.Wrapf(err, "open referenced segment %d", segMeta.seq)
		}
		db.families[segMeta.family] = append(db.families[segMeta.family], seg)
	}

	debrisMax, err := db.removeDebris()
	if err != nil {
		return nil, err
	}
	if debrisMax > maxSeq {
		maxSeq = debrisMax
	}
	db.seq.Store(maxSeq)

	db.metrics.observeFileSet(db.meta)
	return db, nil
}

// removeDebris deletes files in the store directory that the meta file does
// not reference. It returns the highest sequence number seen, so the counter
// can never collide with a file that existed before.
func (db *DB) removeDebris() (uint64, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return 0, err
	}

	referenced := map[uint64]struct{}{}
	for _, seg := range db.meta.segments {
		referenced[seg.seq] = struct{}{}
	}
	liveBlobs := db.meta.liveBlobs()

	var maxSeq uint64
	for _, entry := range entries {
		name := entry.Name()
		isSegment := strings.HasSuffix(name, segmentFileSuffix)
		isBlob := strings.HasSuffix(name, blobFileSuffix)
		isTmp := name == metaFileName+".tmp"
		if !isSegment && !isBlob && !isTmp {
			continue
		}

		path := filepath.Join(db.dir, name)
		seq := seqFromFileName(path)
		if seq > maxSeq {
			maxSeq = seq
		}

		live := (isSegment && hasSeq(referenced, seq)) ||
			(isBlob && hasSeq(liveBlobs, seq))
		if live {
			continue
		}

		if err := os.Remove(path); err != nil {
			return 0, errors.Wrapf(err, "remove unreferenced file %s", name)
		}
		db.logger.WithField("action", "sstkv_open").
			WithField("path", path).
			Info("removed unreferenced file left over from an interrupted operation")
	}
	return maxSeq, nil
}

func hasSeq(set map[uint64]struct{}, seq uint64) bool {
	_, ok := set[seq]
	return ok
}

func (db *DB) nextSeq() uint64 {
	return db.seq.Add(1)
}

// Get returns the value most recently committed for (family, key), or
// (nil, nil) if the key is absent everywhere. Absence is a legitimate result,
// not an error.
func (db *DB) Get(family uint32, key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	db.maintenanceLock.RLock()
	defer db.maintenanceLock.RUnlock()

	segs := db.families[family]
	for i := len(segs) - 1; i >= 0; i-- {
		value, found, err := segs[i].get(key)
		if err != nil {
			return nil, errors.Wrapf(err, "segment %d", segs[i].seq)
		}
		if found {
			return value, nil
		}
	}
	return nil, nil
}

// WriteBatch starts a new in-memory batch. The batch belongs to this store
// and must eventually be passed to CommitWriteBatch; until then none of its
// entries are readable.
func (db *DB) WriteBatch() (*WriteBatch, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return newWriteBatch(db, db.shardBits), nil
}

// CommitWriteBatch serializes the batch into new segment files (one or more
// per family) and atomically swaps the meta file to include them. The commit
// is atomic with respect to crashes: before the swap the new files are
// unreferenced debris, after it they are fully live. The batch is invalid for
// further use.
//
// CommitWriteBatch must not run concurrently with Put or Flush on the same
// batch.
func (db *DB) CommitWriteBatch(batch *WriteBatch) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if batch.db != db {
		return errors.Errorf("write batch belongs to a different store")
	}
	if !batch.committed.CompareAndSwap(false, true) {
		return ErrBatchCommitted
	}

	db.writeLock.Lock()
	defer db.writeLock.Unlock()

	start := time.Now()

	var metasLock sync.Mutex
	newMetas := append([]segmentMeta(nil), batch.flushed...)

	eg := errgroup.Group{}
	for _, family := range batch.pendingFamilies() {
		family := family
		eg.Go(func() error {
			entries := batch.drainFamily(family)
			if len(entries) == 0 {
				return nil
			}
			for _, chunk := range splitEntries(entries, db.targetFileSize) {
				meta, err := writeSegment(db.dir, db.nextSeq(), family, chunk)
				if err != nil {
					return errors.Wrapf(err, "write segment for family %d", family)
				}
				metasLock.Lock()
				newMetas = append(newMetas, meta)
				metasLock.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if len(newMetas) == 0 {
		return nil
	}
	sort.Slice(newMetas, func(i, j int) bool { return newMetas[i].seq < newMetas[j].seq })

	newSegments := make([]*segment, len(newMetas))
	for i, meta := range newMetas {
		seg, err := newSegment(segmentPath(db.dir, meta.seq), db.logger)
		if err != nil {
			closeSegments(newSegments[:i])
			return errors.Wrapf(err, "open new segment %d", meta.seq)
		}
		newSegments[i] = seg
	}

	db.maintenanceLock.Lock()
	newMeta := &storeMeta{segments: append(append([]segmentMeta(nil),
		db.meta.segments...), newMetas...)}
	if err := writeMetaFile(db.dir, newMeta); err != nil {
		db.maintenanceLock.Unlock()
		closeSegments(newSegments)
		return errors.Wrap(err, "write meta file")
	}
	db.meta = newMeta
	for i, seg := range newSegments {
		db.families[newMetas[i].family] = append(db.families[newMetas[i].family], seg)
	}
	db.maintenanceLock.Unlock()

	db.metrics.observeCommit(time.Since(start))
	db.metrics.observeFileSet(newMeta)
	db.logger.WithField("action", "sstkv_commit").
		WithField("segments", len(newMetas)).
		WithField("took", time.Since(start)).
		Debug("committed write batch")
	return nil
}

func closeSegments(segs []*segment) {
	for _, seg := range segs {
		if seg != nil {
			seg.close()
		}
	}
}

// Statistics is a point-in-time snapshot of the store's file set.
type Statistics struct {
	Segments         int
	Families         int
	Entries          uint64
	ObsoleteEstimate uint64
	Blobs            int
}

func (db *DB) Statistics() Statistics {
	db.maintenanceLock.RLock()
	defer db.maintenanceLock.RUnlock()

	out := Statistics{
		Segments: len(db.meta.segments),
		Families: len(db.families),
		Blobs:    len(db.meta.liveBlobs()),
	}
	for _, seg := range db.meta.segments {
		out.Entries += seg.entryCount
		out.ObsoleteEstimate += seg.obsolete
	}
	return out
}

// Shutdown releases all file handles and mappings. The on-disk state is
// already consistent at all times (every mutation ends in an atomic meta
// swap), so dropping a DB without Shutdown merely leaks handles until process
// exit; a subsequent Open recovers the identical state either way.
func (db *DB) Shutdown() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.writeLock.Lock()
	defer db.writeLock.Unlock()
	db.maintenanceLock.Lock()
	defer db.maintenanceLock.Unlock()

	var firstErr error
	for _, segs := range db.families {
		for _, seg := range segs {
			if err := seg.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	db.families = map[uint32][]*segment{}
	return firstErr
}

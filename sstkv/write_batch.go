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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// WriteBatch accumulates puts for one pending commit. Puts are safe to call
// from any number of goroutines concurrently: entries are partitioned into
// lock-striped shards by a hash of the key, so writers rarely contend.
//
// A batch is only readable through the store after CommitWriteBatch; it is
// not a read-your-writes overlay.
type WriteBatch struct {
	db         *DB
	shardCount int

	familiesLock sync.RWMutex
	families     map[uint32]*familyBatch

	// flushedLock guards flushed and blobs, both only appended to
	flushedLock sync.Mutex
	flushed     []segmentMeta

	committed atomic.Bool
}

type familyBatch struct {
	family uint32
	shards []batchShard
}

type batchShard struct {
	lock    sync.Mutex
	entries map[string]batchValue
}

type batchValue struct {
	value   []byte
	blobSeq uint64
}

func newWriteBatch(db *DB, shardBits int) *WriteBatch {
	return &WriteBatch{
		db:         db,
		shardCount: 1 << shardBits,
		families:   map[uint32]*familyBatch{},
	}
}

func (b *WriteBatch) familyBatch(family uint32) *familyBatch {
	b.familiesLock.RLock()
	fb := b.families[family]
	b.familiesLock.RUnlock()
	if fb != nil {
		return fb
	}

	b.familiesLock.Lock()
	defer b.familiesLock.Unlock()
	if fb = b.families[family]; fb != nil {
		return fb
	}

	fb = &familyBatch{family: family, shards: make([]batchShard, b.shardCount)}
	for i := range fb.shards {
		fb.shards[i].entries = map[string]batchValue{}
	}
	b.families[family] = fb
	return fb
}

// Put records a key/value pair for the pending commit. A later Put of the
// same key within the same batch overwrites the earlier one. Values above
// MaxMediumValueSize are written out to a blob file immediately, which bounds
// the memory held by very large batches.
func (b *WriteBatch) Put(family uint32, key, value []byte) error {
	if b.committed.Load() {
		return ErrBatchCommitted
	}
	if uint64(len(key)) > uint64(MaxKeySize) {
		return ErrKeyTooLarge
	}

	entry := batchValue{}
	if len(value) > MaxMediumValueSize {
		seq := b.db.nextSeq()
		if err := writeBlobFile(b.db.dir, seq, value); err != nil {
			return errors.Wrap(err, "write blob file")
		}
		entry.blobSeq = seq
	} else {
		entry.value = append([]byte(nil), value...)
	}

	fb := b.familyBatch(family)
	shard := &fb.shards[murmur3.Sum64(key)&uint64(b.shardCount-1)]
	shard.lock.Lock()
	shard.entries[string(key)] = entry
	shard.lock.Unlock()
	return nil
}

// Flush forces the entries accumulated so far for one family out into a new
// segment file before the batch commits, to bound memory on very large
// commits. The resulting file only becomes visible with the commit's meta
// swap.
//
// Unsafe precondition: Flush must not be called concurrently with Put for the
// same family. The caller has to serialize it against that family's writers;
// puts to other families may continue.
func (b *WriteBatch) Flush(family uint32) error {
	if b.committed.Load() {
		return ErrBatchCommitted
	}

	entries := b.drainFamily(family)
	if len(entries) == 0 {
		return nil
	}

	meta, err := writeSegment(b.db.dir, b.db.nextSeq(), family, entries)
	if err != nil {
		return errors.Wrapf(err, "flush family %d", family)
	}

	b.flushedLock.Lock()
	b.flushed = append(b.flushed, meta)
	b.flushedLock.Unlock()
	return nil
}

// drainFamily empties the family's shards and returns the entries sorted by
// key.
func (b *WriteBatch) drainFamily(family uint32) []segmentEntry {
	b.familiesLock.RLock()
	fb := b.families[family]
	b.familiesLock.RUnlock()
	if fb == nil {
		return nil
	}

	var out []segmentEntry
	for i := range fb.shards {
		shard := &fb.shards[i]
		shard.lock.Lock()
		for key, val := range shard.entries {
			out = append(out, segmentEntry{
				key:     []byte(key),
				value:   val.value,
				blobSeq: val.blobSeq,
			})
		}
		shard.entries = map[string]batchValue{}
		shard.lock.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].key, out[j].key) < 0
	})
	return out
}

func (b *WriteBatch) pendingFamilies() []uint32 {
	b.familiesLock.RLock()
	defer b.familiesLock.RUnlock()
	out := make([]uint32, 0, len(b.families))
	for family := range b.families {
		out = append(out, family)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// splitEntries partitions sorted entries into chunks whose estimated on-disk
// size stays below the target, so one huge commit produces several bounded
// segment files instead of a single oversized one.
func splitEntries(entries []segmentEntry, targetFileSize uint64) [][]segmentEntry {
	var out [][]segmentEntry
	var current []segmentEntry
	var currentSize uint64

	for _, entry := range entries {
		entrySize := uint64(len(entry.key)) + uint64(len(entry.value)) + 32
		if len(current) > 0 && currentSize+entrySize > targetFileSize {
			out = append(out, current)
			current = nil
			currentSize = 0
		}
		current = append(current, entry)
		currentSize += entrySize
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

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
	"fmt"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, dir string, opts ...Option) *DB {
	t.Helper()
	logger, _ := test.NewNullLogger()
	db, err := Open(dir, logger, opts...)
	require.Nil(t, err)
	return db
}

func commitSingle(t *testing.T, db *DB, family uint32, key, value []byte) {
	t.Helper()
	batch, err := db.WriteBatch()
	require.Nil(t, err)
	require.Nil(t, batch.Put(family, key, value))
	require.Nil(t, db.CommitWriteBatch(batch))
}

func TestDB_OpenEmpty(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	value, err := db.Get(0, []byte("missing"))
	require.Nil(t, err)
	assert.Nil(t, value)

	stats := db.Statistics()
	assert.Equal(t, 0, stats.Segments)
	assert.Equal(t, 0, stats.Blobs)
}

func TestDB_PutGetRoundTrip(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	commitSingle(t, db, 0, []byte("hello"), []byte("world"))

	value, err := db.Get(0, []byte("hello"))
	require.Nil(t, err)
	assert.Equal(t, []byte("world"), value)
}

func TestDB_FullCycle(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	for i := 10; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		require.Nil(t, batch.Put(0, key, value))
	}
	require.Nil(t, db.CommitWriteBatch(batch))

	verify := func(db *DB) {
		for i := 10; i < 100; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			value, err := db.Get(0, key)
			require.Nil(t, err)
			assert.Equal(t, []byte(fmt.Sprintf("value-%03d", i)), value)
		}
		missing, err := db.Get(0, []byte("key-100"))
		require.Nil(t, err)
		assert.Nil(t, missing)
	}

	verify(db)
	require.Nil(t, db.Shutdown())

	// Same state after reopening.
	db = newTestDB(t, dir)
	defer db.Shutdown()
	verify(db)
}

func TestDB_NewestValueWins(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	commitSingle(t, db, 0, []byte("key"), []byte("first"))
	commitSingle(t, db, 0, []byte("key"), []byte("second"))
	commitSingle(t, db, 0, []byte("key"), []byte("third"))

	value, err := db.Get(0, []byte("key"))
	require.Nil(t, err)
	assert.Equal(t, []byte("third"), value)

	// All three segments are still live, shadowing is resolved at read time.
	assert.Equal(t, 3, db.Statistics().Segments)
}

func TestDB_FamiliesAreIsolated(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	require.Nil(t, batch.Put(1, []byte("key"), []byte("one")))
	require.Nil(t, batch.Put(2, []byte("key"), []byte("two")))
	require.Nil(t, db.CommitWriteBatch(batch))

	value, err := db.Get(1, []byte("key"))
	require.Nil(t, err)
	assert.Equal(t, []byte("one"), value)

	value, err = db.Get(2, []byte("key"))
	require.Nil(t, err)
	assert.Equal(t, []byte("two"), value)

	value, err = db.Get(3, []byte("key"))
	require.Nil(t, err)
	assert.Nil(t, value)
}

func TestDB_ValueSizeTiers(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)

	rnd := rand.New(rand.NewSource(42))
	small := make([]byte, MaxSmallValueSize)
	rnd.Read(small)
	medium := make([]byte, MaxSmallValueSize+1)
	rnd.Read(medium)
	large := make([]byte, MaxMediumValueSize+1)
	rnd.Read(large)

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	require.Nil(t, batch.Put(0, []byte("small"), small))
	require.Nil(t, batch.Put(0, []byte("medium"), medium))
	require.Nil(t, batch.Put(0, []byte("large"), large))
	require.Nil(t, db.CommitWriteBatch(batch))

	verify := func(db *DB) {
		for _, tc := range []struct {
			key   string
			value []byte
		}{
			{"small", small},
			{"medium", medium},
			{"large", large},
		} {
			got, err := db.Get(0, []byte(tc.key))
			require.Nil(t, err)
			require.True(t, bytes.Equal(tc.value, got), "value mismatch for %s", tc.key)
		}
	}

	verify(db)
	assert.Equal(t, 1, db.Statistics().Blobs)
	require.Nil(t, db.Shutdown())

	db = newTestDB(t, dir)
	defer db.Shutdown()
	verify(db)
	assert.Equal(t, 1, db.Statistics().Blobs)
}

func TestDB_MediumBoundaryStaysInline(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	rnd := rand.New(rand.NewSource(7))
	atLimit := make([]byte, MaxMediumValueSize)
	rnd.Read(atLimit)
	overLimit := make([]byte, MaxMediumValueSize+1)
	rnd.Read(overLimit)

	commitSingle(t, db, 0, []byte("at-limit"), atLimit)

	// A value of exactly the medium limit is stored inline-compressed, one
	// byte more routes to a blob file.
	assert.Equal(t, 0, db.Statistics().Blobs)

	commitSingle(t, db, 0, []byte("over-limit"), overLimit)
	assert.Equal(t, 1, db.Statistics().Blobs)

	got, err := db.Get(0, []byte("at-limit"))
	require.Nil(t, err)
	require.True(t, bytes.Equal(atLimit, got))

	got, err = db.Get(0, []byte("over-limit"))
	require.Nil(t, err)
	require.True(t, bytes.Equal(overLimit, got))
}

func TestDB_ByteKeyEndToEnd(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	for i := byte(10); i < 100; i++ {
		require.Nil(t, batch.Put(0, []byte{i}, []byte{i}))
	}
	require.Nil(t, batch.Put(8, []byte{8}, []byte{8}))
	require.Nil(t, db.CommitWriteBatch(batch))

	verify := func(db *DB) {
		value, err := db.Get(0, []byte{42})
		require.Nil(t, err)
		assert.Equal(t, []byte{42}, value)

		for _, key := range []byte{1, 255} {
			value, err := db.Get(0, []byte{key})
			require.Nil(t, err)
			assert.Nil(t, value)
		}

		// Family 8 holds its key, family 0 must not see it.
		value, err = db.Get(8, []byte{8})
		require.Nil(t, err)
		assert.Equal(t, []byte{8}, value)
		value, err = db.Get(0, []byte{8})
		require.Nil(t, err)
		assert.Nil(t, value)
	}

	verify(db)
	require.Nil(t, db.FullCompact())
	verify(db)
	require.Nil(t, db.Shutdown())

	db = newTestDB(t, dir)
	defer db.Shutdown()
	verify(db)
}

func TestDB_EmptyBatchCommit(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	defer db.Shutdown()

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	require.Nil(t, db.CommitWriteBatch(batch))

	assert.Equal(t, 0, db.Statistics().Segments)
}

func TestDB_TargetFileSizeSplitsSegments(t *testing.T) {
	db := newTestDB(t, t.TempDir(), WithTargetFileSize(1024))
	defer db.Shutdown()

	batch, err := db.WriteBatch()
	require.Nil(t, err)
	value := make([]byte, 512)
	for i := 0; i < 20; i++ {
		require.Nil(t, batch.Put(0, []byte(fmt.Sprintf("key-%02d", i)), value))
	}
	require.Nil(t, db.CommitWriteBatch(batch))

	assert.Greater(t, db.Statistics().Segments, 1)

	for i := 0; i < 20; i++ {
		got, err := db.Get(0, []byte(fmt.Sprintf("key-%02d", i)))
		require.Nil(t, err)
		assert.Equal(t, value, got)
	}
}

func TestDB_OperationsAfterShutdown(t *testing.T) {
	db := newTestDB(t, t.TempDir())
	require.Nil(t, db.Shutdown())

	_, err := db.Get(0, []byte("key"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.WriteBatch()
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, db.FullCompact(), ErrClosed)

	// Shutdown is idempotent.
	require.Nil(t, db.Shutdown())
}

func TestDB_UnreferencedFilesRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)
	commitSingle(t, db, 0, []byte("key"), []byte("value"))
	require.Nil(t, db.Shutdown())

	// Simulate a crash between file write and meta swap: segment and blob
	// files exist on disk but are not referenced by the meta file.
	entries := []segmentEntry{{key: []byte("orphan"), value: []byte("orphan")}}
	_, err := writeSegment(dir, 900, 0, entries)
	require.Nil(t, err)
	require.Nil(t, writeBlobFile(dir, 901, []byte("orphan blob")))

	db = newTestDB(t, dir)
	defer db.Shutdown()

	value, err := db.Get(0, []byte("key"))
	require.Nil(t, err)
	assert.Equal(t, []byte("value"), value)

	value, err = db.Get(0, []byte("orphan"))
	require.Nil(t, err)
	assert.Nil(t, value)

	stats := db.Statistics()
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, 0, stats.Blobs)

	// The debris seqs must not be reissued for new files.
	commitSingle(t, db, 0, []byte("key2"), []byte("value2"))
	value, err = db.Get(0, []byte("key2"))
	require.Nil(t, err)
	assert.Equal(t, []byte("value2"), value)
}

func TestDB_ReopenManyTimes(t *testing.T) {
	dir := t.TempDir()

	for round := 0; round < 5; round++ {
		db := newTestDB(t, dir)
		commitSingle(t, db, 0,
			[]byte(fmt.Sprintf("key-%d", round)),
			[]byte(fmt.Sprintf("value-%d", round)))

		for i := 0; i <= round; i++ {
			value, err := db.Get(0, []byte(fmt.Sprintf("key-%d", i)))
			require.Nil(t, err)
			assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
		}
		require.Nil(t, db.Shutdown())
	}
}

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
	"os"
	"sort"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestSegment(t *testing.T, dir string, seq uint64, family uint32,
	entries []segmentEntry,
) (*segment, segmentMeta) {
	t.Helper()
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	meta, err := writeSegment(dir, seq, family, entries)
	require.Nil(t, err)

	logger, _ := test.NewNullLogger()
	seg, err := newSegment(segmentPath(dir, seq), logger)
	require.Nil(t, err)
	t.Cleanup(func() { seg.close() })
	return seg, meta
}

func TestSegment_GetAllTiers(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	inline := make([]byte, 100)
	rnd.Read(inline)
	compressed := make([]byte, MaxSmallValueSize*3)
	rnd.Read(compressed)

	entries := []segmentEntry{
		{key: []byte("inline"), value: inline},
		{key: []byte("compressed"), value: compressed},
	}
	seg, meta := writeTestSegment(t, t.TempDir(), 1, 0, entries)

	value, ok, err := seg.get([]byte("inline"))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, inline, value)

	value, ok, err = seg.get([]byte("compressed"))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, compressed, value)

	_, ok, err = seg.get([]byte("missing"))
	require.Nil(t, err)
	assert.False(t, ok)

	assert.Equal(t, uint64(2), meta.entryCount)
	assert.Equal(t, []byte("compressed"), meta.minKey)
	assert.Equal(t, []byte("inline"), meta.maxKey)
	assert.Empty(t, meta.blobRefs)
}

func TestSegment_BlobReference(t *testing.T) {
	dir := t.TempDir()
	blobValue := make([]byte, 1024)
	for i := range blobValue {
		blobValue[i] = byte(i * 3)
	}
	require.Nil(t, writeBlobFile(dir, 9, blobValue))

	entries := []segmentEntry{{key: []byte("key"), blobSeq: 9}}
	seg, meta := writeTestSegment(t, dir, 1, 0, entries)

	value, ok, err := seg.get([]byte("key"))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, blobValue, value)
	assert.Equal(t, []uint64{9}, meta.blobRefs)
}

func TestSegment_CursorYieldsSortedKeys(t *testing.T) {
	var entries []segmentEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, segmentEntry{
			key:   []byte(fmt.Sprintf("key-%04d", i)),
			value: []byte(fmt.Sprintf("value-%04d", i)),
		})
	}
	seg, _ := writeTestSegment(t, t.TempDir(), 1, 0, entries)

	cursor := seg.newCursor()
	var got [][]byte
	for {
		key, _, err := cursor.next()
		require.Nil(t, err)
		if key == nil {
			break
		}
		got = append(got, append([]byte(nil), key...))
	}

	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.True(t, bytes.Compare(got[i-1], got[i]) < 0,
			"cursor keys out of order at %d", i)
	}
}

func TestSegment_BloomFilter(t *testing.T) {
	var entries []segmentEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, segmentEntry{
			key:   []byte(fmt.Sprintf("present-%04d", i)),
			value: []byte("x"),
		})
	}
	seg, _ := writeTestSegment(t, t.TempDir(), 1, 0, entries)

	for i := 0; i < 100; i++ {
		assert.True(t, seg.mightContain([]byte(fmt.Sprintf("present-%04d", i))))
	}

	// The filter may report false positives but must stay well below
	// certainty for absent keys.
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if seg.mightContain([]byte(fmt.Sprintf("absent-%04d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 100)
}

func TestSegment_CorruptedFileRejected(t *testing.T) {
	dir := t.TempDir()
	entries := []segmentEntry{{key: []byte("key"), value: []byte("value")}}
	_, err := writeSegment(dir, 1, 0, entries)
	require.Nil(t, err)

	path := segmentPath(dir, 1)
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	data[len(data)-3] ^= 0xff
	require.Nil(t, os.WriteFile(path, data, 0o600))

	logger, _ := test.NewNullLogger()
	_, err = newSegment(path, logger)
	require.NotNil(t, err)
}

func TestBlobFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	value := make([]byte, MaxMediumValueSize/4)
	rnd := rand.New(rand.NewSource(3))
	rnd.Read(value)

	require.Nil(t, writeBlobFile(dir, 42, value))

	got, err := readBlobFile(dir, 42)
	require.Nil(t, err)
	assert.True(t, bytes.Equal(value, got))
}

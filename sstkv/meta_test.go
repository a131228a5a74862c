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
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeta_RoundTrip(t *testing.T) {
	meta := &storeMeta{segments: []segmentMeta{
		{
			seq:        1,
			family:     0,
			entryCount: 100,
			obsolete:   3,
			size:       4096,
			minKey:     []byte("aaa"),
			maxKey:     []byte("zzz"),
			blobRefs:   []uint64{7, 9},
		},
		{
			seq:        2,
			family:     5,
			entryCount: 1,
			size:       128,
			minKey:     []byte("k"),
			maxKey:     []byte("k"),
		},
	}}

	dir := t.TempDir()
	require.Nil(t, writeMetaFile(dir, meta))

	read, err := readMetaFile(dir)
	require.Nil(t, err)
	require.Len(t, read.segments, 2)
	assert.Equal(t, meta.segments, read.segments)
	assert.Equal(t, uint64(9), read.maxSeq())

	blobs := read.liveBlobs()
	assert.Len(t, blobs, 2)
	assert.Contains(t, blobs, uint64(7))
	assert.Contains(t, blobs, uint64(9))
}

func TestMeta_SegmentOrderPreserved(t *testing.T) {
	// The position in the meta file is the age order. Compacted files get
	// fresh seqs but replace older positions, so order must survive the
	// round trip untouched.
	meta := &storeMeta{segments: []segmentMeta{
		{seq: 9, family: 0, entryCount: 1, minKey: []byte("a"), maxKey: []byte("a")},
		{seq: 2, family: 0, entryCount: 1, minKey: []byte("b"), maxKey: []byte("b")},
		{seq: 5, family: 1, entryCount: 1, minKey: []byte("c"), maxKey: []byte("c")},
	}}

	dir := t.TempDir()
	require.Nil(t, writeMetaFile(dir, meta))

	read, err := readMetaFile(dir)
	require.Nil(t, err)
	require.Len(t, read.segments, 3)
	assert.Equal(t, uint64(9), read.segments[0].seq)
	assert.Equal(t, uint64(2), read.segments[1].seq)
	assert.Equal(t, uint64(5), read.segments[2].seq)
}

func TestMeta_CorruptionDetected(t *testing.T) {
	meta := &storeMeta{segments: []segmentMeta{
		{seq: 1, family: 0, entryCount: 10, minKey: []byte("a"), maxKey: []byte("z")},
	}}

	dir := t.TempDir()
	require.Nil(t, writeMetaFile(dir, meta))

	path := filepath.Join(dir, metaFileName)
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	data[len(data)/2] ^= 0xff
	require.Nil(t, os.WriteFile(path, data, 0o600))

	_, err = readMetaFile(dir)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestMeta_TruncationDetected(t *testing.T) {
	meta := &storeMeta{segments: []segmentMeta{
		{seq: 1, family: 0, entryCount: 10, minKey: []byte("a"), maxKey: []byte("z")},
	}}

	dir := t.TempDir()
	require.Nil(t, writeMetaFile(dir, meta))

	path := filepath.Join(dir, metaFileName)
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	require.Nil(t, os.WriteFile(path, data[:len(data)-5], 0o600))

	_, err = readMetaFile(dir)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestMeta_OverlapCheck(t *testing.T) {
	a := segmentMeta{minKey: []byte("a"), maxKey: []byte("m")}
	b := segmentMeta{minKey: []byte("k"), maxKey: []byte("z")}
	c := segmentMeta{minKey: []byte("n"), maxKey: []byte("z")}

	assert.True(t, a.overlaps(b))
	assert.True(t, b.overlaps(a))
	assert.False(t, a.overlaps(c))
	assert.False(t, c.overlaps(a))
}

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
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	metaMagic   = uint32(0x424b4d54)
	metaVersion = uint16(1)
)

// segmentMeta is the durable record of one live segment file: everything the
// store needs to plan compactions and route lookups without opening the file.
type segmentMeta struct {
	seq        uint64
	family     uint32
	entryCount uint64
	// obsolete is the estimated number of entries shadowed by newer
	// segments, updated by compaction planning
	obsolete uint64
	size     uint64
	minKey   []byte
	maxKey   []byte
	// blobRefs lists the blob files referenced by this segment's entries.
	// A blob file with no referencing segment is garbage.
	blobRefs []uint64
}

func (m segmentMeta) overlaps(other segmentMeta) bool {
	return bytes.Compare(m.minKey, other.maxKey) <= 0 &&
		bytes.Compare(other.minKey, m.maxKey) <= 0
}

// storeMeta is the full content of the meta file: the authoritative list of
// live segment files. Everything else in the store directory is either
// referenced from here or junk left over from a crash.
type storeMeta struct {
	segments []segmentMeta
}

func (m *storeMeta) liveBlobs() map[uint64]struct{} {
	out := map[uint64]struct{}{}
	for _, seg := range m.segments {
		for _, seq := range seg.blobRefs {
			out[seq] = struct{}{}
		}
	}
	return out
}

func (m *storeMeta) maxSeq() uint64 {
	var max uint64
	for _, seg := range m.segments {
		if seg.seq > max {
			max = seg.seq
		}
		for _, blob := range seg.blobRefs {
			if blob > max {
				max = blob
			}
		}
	}
	return max
}

func (m *storeMeta) marshal() []byte {
	buf := &bytes.Buffer{}
	tmp := make([]byte, 8)

	binary.LittleEndian.PutUint32(tmp[0:4], metaMagic)
	binary.LittleEndian.PutUint16(tmp[4:6], metaVersion)
	buf.Write(tmp[0:6])

	binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(m.segments)))
	buf.Write(tmp[0:4])

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp, v)
		buf.Write(tmp[0:8])
	}
	writeBytes := func(b []byte) {
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(b)))
		buf.Write(tmp[0:4])
		buf.Write(b)
	}

	for _, seg := range m.segments {
		writeU64(seg.seq)
		binary.LittleEndian.PutUint32(tmp[0:4], seg.family)
		buf.Write(tmp[0:4])
		writeU64(seg.entryCount)
		writeU64(seg.obsolete)
		writeU64(seg.size)
		writeBytes(seg.minKey)
		writeBytes(seg.maxKey)
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(seg.blobRefs)))
		buf.Write(tmp[0:4])
		for _, blob := range seg.blobRefs {
			writeU64(blob)
		}
	}

	writeU64(xxhash.Sum64(buf.Bytes()))
	return buf.Bytes()
}

func unmarshalMeta(data []byte) (*storeMeta, error) {
	if len(data) < 18 {
		return nil, errors.Wrap(ErrCorrupted, "meta file too short")
	}

	body, sum := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(sum) {
		return nil, errors.Wrap(ErrCorrupted, "meta checksum mismatch")
	}

	r := bytes.NewReader(body)
	readU64 := func() (uint64, error) {
		tmp := make([]byte, 8)
		if _, err := io.ReadFull(r, tmp); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(tmp), nil
	}
	readU32 := func() (uint32, error) {
		tmp := make([]byte, 4)
		if _, err := io.ReadFull(r, tmp); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(tmp), nil
	}
	readBytes := func() ([]byte, error) {
		n, err := readU32()
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		if n == 0 {
			return out, nil
		}
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "read meta header")
	}
	if binary.LittleEndian.Uint32(header[0:4]) != metaMagic {
		return nil, errors.Wrap(ErrCorrupted, "meta magic number mismatch")
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != metaVersion {
		return nil, errors.Wrapf(ErrCorrupted, "unsupported meta version %d", v)
	}

	segCount, err := readU32()
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, "read segment count")
	}

	out := &storeMeta{segments: make([]segmentMeta, 0, segCount)}
	for i := uint32(0); i < segCount; i++ {
		var seg segmentMeta
		if seg.seq, err = readU64(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment seq")
		}
		if seg.family, err = readU32(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment family")
		}
		if seg.entryCount, err = readU64(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment entry count")
		}
		if seg.obsolete, err = readU64(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment obsolete count")
		}
		if seg.size, err = readU64(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment size")
		}
		if seg.minKey, err = readBytes(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment min key")
		}
		if seg.maxKey, err = readBytes(); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read segment max key")
		}
		blobCount, err := readU32()
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, "read blob ref count")
		}
		for j := uint32(0); j < blobCount; j++ {
			blob, err := readU64()
			if err != nil {
				return nil, errors.Wrap(ErrCorrupted, "read blob ref")
			}
			seg.blobRefs = append(seg.blobRefs, blob)
		}
		out.segments = append(out.segments, seg)
	}

	return out, nil
}

// writeMetaFile atomically replaces the meta file: the new content is written
// to a temp file, fsynced, then renamed over the old one. A crash at any point
// leaves either the old or the new meta fully intact.
func writeMetaFile(dir string, meta *storeMeta) error {
	tmpPath := filepath.Join(dir, metaFileName+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(meta.marshal()); err != nil {
		f.Close()
		return errors.Wrap(err, "write meta")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync meta")
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, metaFileName)); err != nil {
		return errors.Wrap(err, "swap meta")
	}

	// fsync the directory so the rename itself is durable
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func readMetaFile(dir string) (*storeMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}
	return unmarshalMeta(data)
}

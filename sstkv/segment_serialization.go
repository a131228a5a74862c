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
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"github.com/willf/bloom"

	"github.com/weaviate/bundlecache/sstkv/segmentindex"
)

// segmentEntry is one key/value pair headed for a new segment file. When
// blobSeq is non-zero the value already lives in a blob file and value must
// be nil.
type segmentEntry struct {
	key     []byte
	value   []byte
	blobSeq uint64
}

// writeSegment serializes the given entries, which must be sorted by key
// ascending and free of duplicates, into a new immutable segment file. It
// returns the meta record describing the new file. The file is fsynced before
// the function returns, so a crash afterwards can never leave it partially
// written once it is referenced by the meta file.
func writeSegment(dir string, seq uint64, family uint32,
	entries []segmentEntry,
) (segmentMeta, error) {
	out := segmentMeta{seq: seq, family: family}
	if len(entries) == 0 {
		return out, errors.Errorf("refusing to write segment without entries")
	}

	path := segmentPath(dir, seq)
	f, err := os.Create(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	bufw := bufio.NewWriterSize(f, 1e6)

	// dummy header, we only know the section offsets at the very end and then
	// seek back to replace it
	if _, err := bufw.Write(make([]byte, SegmentHeaderSize)); err != nil {
		return out, errors.Wrap(err, "write empty header")
	}

	offset := uint64(SegmentHeaderSize)
	descriptors := make([]valueDescriptor, len(entries))
	for i, entry := range entries {
		switch {
		case entry.blobSeq != 0:
			descriptors[i] = valueDescriptor{tag: valueTagBlob, blobSeq: entry.blobSeq}
			out.blobRefs = append(out.blobRefs, entry.blobSeq)
		case len(entry.value) <= MaxSmallValueSize:
			if _, err := bufw.Write(entry.value); err != nil {
				return out, errors.Wrap(err, "write inline value")
			}
			descriptors[i] = valueDescriptor{
				tag:    valueTagInline,
				offset: offset,
				length: uint32(len(entry.value)),
			}
			offset += uint64(len(entry.value))
		default:
			block := s2.Encode(nil, entry.value)
			if _, err := bufw.Write(block); err != nil {
				return out, errors.Wrap(err, "write compressed value block")
			}
			descriptors[i] = valueDescriptor{
				tag:          valueTagCompressed,
				offset:       offset,
				length:       uint32(len(block)),
				uncompressed: uint32(len(entry.value)),
			}
			offset += uint64(len(block))
		}
	}

	// everything from the index section onward is covered by the header
	// checksum
	digest := xxhash.New()
	checksummed := io.MultiWriter(bufw, digest)

	indexOffset := offset
	indexWriter := segmentindex.NewWriter(checksummed, indexOffset)
	filter := bloom.NewWithEstimates(uint(len(entries)), bloomFalsePositiveRate)
	for i, entry := range entries {
		err := indexWriter.Append(segmentindex.Record{
			Key:     entry.key,
			Payload: descriptors[i].encode(),
		})
		if err != nil {
			return out, errors.Wrap(err, "write key index")
		}
		filter.Add(entry.key)
	}

	offsetsOffset, err := indexWriter.Finish()
	if err != nil {
		return out, errors.Wrap(err, "write offset table")
	}
	filterOffset := offsetsOffset + uint64(len(entries))*8

	filterLen, err := filter.WriteTo(checksummed)
	if err != nil {
		return out, errors.Wrap(err, "write bloom filter")
	}

	// flush buffered, so we can safely seek on the underlying writer
	if err := bufw.Flush(); err != nil {
		return out, errors.Wrap(err, "flush buffered")
	}

	header := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(header[4:6], segmentVersion)
	binary.LittleEndian.PutUint32(header[6:10], family)
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(entries)))
	binary.LittleEndian.PutUint64(header[14:22], indexOffset)
	binary.LittleEndian.PutUint64(header[22:30], offsetsOffset)
	binary.LittleEndian.PutUint64(header[30:38], filterOffset)
	binary.LittleEndian.PutUint64(header[38:46], digest.Sum64())

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return out, errors.Wrap(err, "seek to header")
	}
	if _, err := f.Write(header); err != nil {
		return out, errors.Wrap(err, "write header")
	}
	if err := f.Sync(); err != nil {
		return out, errors.Wrap(err, "fsync segment")
	}

	out.entryCount = uint64(len(entries))
	out.size = filterOffset + uint64(filterLen)
	out.minKey = append([]byte(nil), entries[0].key...)
	out.maxKey = append([]byte(nil), entries[len(entries)-1].key...)
	return out, nil
}

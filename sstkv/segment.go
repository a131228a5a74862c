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
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/willf/bloom"

	"github.com/weaviate/bundlecache/sstkv/segmentindex"
)

const (
	segmentMagic      = uint32(0x424b5354)
	segmentVersion    = uint16(1)
	SegmentHeaderSize = 46
)

// value descriptor tags as stored in the key index payload
const (
	valueTagInline     = byte(0)
	valueTagCompressed = byte(1)
	valueTagBlob       = byte(2)
)

type valueDescriptor struct {
	tag          byte
	offset       uint64 // inline/compressed: absolute offset of the bytes
	length       uint32 // inline: raw length; compressed: compressed length
	uncompressed uint32 // compressed only
	blobSeq      uint64 // blob only
}

func parseValueDescriptor(payload []byte) (valueDescriptor, error) {
	if len(payload) < 1 {
		return valueDescriptor{}, errors.Wrap(ErrCorrupted, "empty value descriptor")
	}
	out := valueDescriptor{tag: payload[0]}
	switch out.tag {
	case valueTagInline:
		if len(payload) != 13 {
			return out, errors.Wrapf(ErrCorrupted, "inline descriptor has length %d", len(payload))
		}
		out.offset = binary.LittleEndian.Uint64(payload[1:9])
		out.length = binary.LittleEndian.Uint32(payload[9:13])
	case valueTagCompressed:
		if len(payload) != 17 {
			return out, errors.Wrapf(ErrCorrupted, "compressed descriptor has length %d", len(payload))
		}
		out.offset = binary.LittleEndian.Uint64(payload[1:9])
		out.length = binary.LittleEndian.Uint32(payload[9:13])
		out.uncompressed = binary.LittleEndian.Uint32(payload[13:17])
	case valueTagBlob:
		if len(payload) != 9 {
			return out, errors.Wrapf(ErrCorrupted, "blob descriptor has length %d", len(payload))
		}
		out.blobSeq = binary.LittleEndian.Uint64(payload[1:9])
	default:
		return out, errors.Wrapf(ErrCorrupted, "unknown value descriptor tag %d", out.tag)
	}
	return out, nil
}

func (d valueDescriptor) encode() []byte {
	switch d.tag {
	case valueTagInline:
		buf := make([]byte, 13)
		buf[0] = valueTagInline
		binary.LittleEndian.PutUint64(buf[1:9], d.offset)
		binary.LittleEndian.PutUint32(buf[9:13], d.length)
		return buf
	case valueTagCompressed:
		buf := make([]byte, 17)
		buf[0] = valueTagCompressed
		binary.LittleEndian.PutUint64(buf[1:9], d.offset)
		binary.LittleEndian.PutUint32(buf[9:13], d.length)
		binary.LittleEndian.PutUint32(buf[13:17], d.uncompressed)
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = valueTagBlob
		binary.LittleEndian.PutUint64(buf[1:9], d.blobSeq)
		return buf
	}
}

// segment is an immutable, mmap'd SST file. It is created once by a write
// batch commit or a compaction and never changes afterwards, so all reads can
// happen without locking.
type segment struct {
	path     string
	dir      string
	seq      uint64
	family   uint32
	file     *os.File
	contents mmap.MMap
	index    *segmentindex.Reader
	filter   *bloom.BloomFilter
	logger   logrus.FieldLogger
}

func newSegment(path string, logger logrus.FieldLogger) (*segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	contents, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "mmap segment")
	}

	seg := &segment{
		path:     path,
		dir:      filepath.Dir(path),
		seq:      seqFromFileName(path),
		file:     file,
		contents: contents,
		logger:   logger,
	}

	if err := seg.initFromHeader(); err != nil {
		seg.close()
		return nil, errors.Wrapf(err, "init segment %s", filepath.Base(path))
	}

	return seg, nil
}

func (s *segment) initFromHeader() error {
	data := []byte(s.contents)
	if len(data) < SegmentHeaderSize {
		return errors.Wrap(ErrCorrupted, "file shorter than header")
	}

	if binary.LittleEndian.Uint32(data[0:4]) != segmentMagic {
		return errors.Wrap(ErrCorrupted, "magic number mismatch")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != segmentVersion {
		return errors.Wrapf(ErrCorrupted, "unsupported segment version %d", v)
	}

	s.family = binary.LittleEndian.Uint32(data[6:10])
	entryCount := int(binary.LittleEndian.Uint32(data[10:14]))
	indexOffset := binary.LittleEndian.Uint64(data[14:22])
	offsetsOffset := binary.LittleEndian.Uint64(data[22:30])
	filterOffset := binary.LittleEndian.Uint64(data[30:38])
	checksum := binary.LittleEndian.Uint64(data[38:46])

	if indexOffset > offsetsOffset || offsetsOffset > filterOffset ||
		filterOffset > uint64(len(data)) {
		return errors.Wrap(ErrCorrupted, "section offsets out of order")
	}

	if xxhash.Sum64(data[indexOffset:]) != checksum {
		return errors.Wrap(ErrCorrupted, "checksum mismatch")
	}

	index, err := segmentindex.NewReader(data,
		data[offsetsOffset:filterOffset], entryCount)
	if err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}
	s.index = index

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(data[filterOffset:])); err != nil {
		return errors.Wrap(ErrCorrupted, "read bloom filter")
	}
	s.filter = filter

	return nil
}

// get returns (value, true, nil) on a hit. A miss is (nil, false, nil), never
// an error. A negative filter response is authoritative and skips the index
// probe entirely; a false positive simply falls through to the probe which
// then misses.
func (s *segment) get(key []byte) ([]byte, bool, error) {
	if !s.filter.Test(key) {
		return nil, false, nil
	}

	payload, err := s.index.Seek(key)
	if err != nil {
		if errors.Is(err, segmentindex.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	desc, err := parseValueDescriptor(payload)
	if err != nil {
		return nil, false, err
	}

	value, err := s.resolveValue(desc)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *segment) resolveValue(desc valueDescriptor) ([]byte, error) {
	data := []byte(s.contents)
	switch desc.tag {
	case valueTagInline:
		end := desc.offset + uint64(desc.length)
		if end > uint64(len(data)) {
			return nil, errors.Wrap(ErrCorrupted, "inline value beyond file end")
		}
		out := make([]byte, desc.length)
		copy(out, data[desc.offset:end])
		return out, nil
	case valueTagCompressed:
		end := desc.offset + uint64(desc.length)
		if end > uint64(len(data)) {
			return nil, errors.Wrap(ErrCorrupted, "compressed block beyond file end")
		}
		out, err := s2.Decode(nil, data[desc.offset:end])
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, "decompress value block")
		}
		if len(out) != int(desc.uncompressed) {
			return nil, errors.Wrapf(ErrCorrupted,
				"decompressed length %d, descriptor says %d", len(out), desc.uncompressed)
		}
		return out, nil
	default:
		return readBlobFile(s.dir, desc.blobSeq)
	}
}

// mightContain exposes the filter for compaction planning. A true result may
// be a false positive.
func (s *segment) mightContain(key []byte) bool {
	return s.filter.Test(key)
}

func (s *segment) entryCount() int {
	return s.index.Count()
}

func (s *segment) close() error {
	var unmapErr, closeErr error
	if s.contents != nil {
		unmapErr = s.contents.Unmap()
		s.contents = nil
	}
	if s.file != nil {
		closeErr = s.file.Close()
		s.file = nil
	}
	if unmapErr != nil {
		return errors.Wrap(unmapErr, "unmap segment")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "close segment file")
	}
	return nil
}

// cursor iterates the segment's entries in key order, yielding the raw value
// descriptors. Used by compaction to merge segments without materializing
// blob contents.
type segmentCursor struct {
	seg *segment
	pos int
}

func (s *segment) newCursor() *segmentCursor {
	return &segmentCursor{seg: s}
}

// next returns the next key and descriptor, or (nil, _, nil) when exhausted.
func (c *segmentCursor) next() ([]byte, valueDescriptor, error) {
	if c.pos >= c.seg.entryCount() {
		return nil, valueDescriptor{}, nil
	}
	rec, err := c.seg.index.Record(c.pos)
	if err != nil {
		return nil, valueDescriptor{}, err
	}
	c.pos++
	desc, err := parseValueDescriptor(rec.Payload)
	if err != nil {
		return nil, valueDescriptor{}, err
	}
	return rec.Key, desc, nil
}

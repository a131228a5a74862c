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

package segmentindex

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var NotFound = errors.Errorf("not found")

// A Record is one entry of the sorted key index of a segment: the key itself
// plus an opaque payload (the value descriptor, whose meaning belongs to the
// caller).
type Record struct {
	Key     []byte
	Payload []byte
}

// Writer serializes records in the order they are appended and tracks their
// offsets so that Finish can emit the static offset table used for binary
// search later. The caller must append records sorted by key ascending.
type Writer struct {
	w       io.Writer
	base    uint64
	written uint64
	offsets []uint64
}

func NewWriter(w io.Writer, baseOffset uint64) *Writer {
	return &Writer{w: w, base: baseOffset}
}

func (w *Writer) Append(rec Record) error {
	w.offsets = append(w.offsets, w.base+w.written)

	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(rec.Payload)))
	if _, err := w.w.Write(buf); err != nil {
		return errors.Wrap(err, "write record lengths")
	}
	if _, err := w.w.Write(rec.Key); err != nil {
		return errors.Wrap(err, "write record key")
	}
	if _, err := w.w.Write(rec.Payload); err != nil {
		return errors.Wrap(err, "write record payload")
	}
	w.written += 6 + uint64(len(rec.Key)) + uint64(len(rec.Payload))
	return nil
}

// Finish writes the offset table and returns its absolute start offset.
func (w *Writer) Finish() (uint64, error) {
	start := w.base + w.written
	buf := make([]byte, 8)
	for _, off := range w.offsets {
		binary.LittleEndian.PutUint64(buf, off)
		if _, err := w.w.Write(buf); err != nil {
			return 0, errors.Wrap(err, "write offset table")
		}
	}
	return start, nil
}

func (w *Writer) Count() int {
	return len(w.offsets)
}

// Reader is a read-only wrapper around the marshalled key index of an
// (immutable) segment. It binary-searches the offset table without ever
// materializing the entries, so it is useless for anything but point lookups
// and ordered scans over a complete, mmap'd segment.
type Reader struct {
	// data is the full segment file content, offsets in the table are
	// absolute
	data    []byte
	offsets []byte
	count   int
}

func NewReader(data []byte, offsets []byte, count int) (*Reader, error) {
	if len(offsets) < count*8 {
		return nil, errors.Errorf("offset table too short: %d entries need %d bytes, have %d",
			count, count*8, len(offsets))
	}
	return &Reader{data: data, offsets: offsets, count: count}, nil
}

func (r *Reader) Count() int {
	return r.count
}

// Record returns the i-th record in key order. The returned slices alias the
// underlying data and must not be modified.
func (r *Reader) Record(i int) (Record, error) {
	if i < 0 || i >= r.count {
		return Record{}, errors.Errorf("record index %d out of range [0, %d)", i, r.count)
	}

	off := binary.LittleEndian.Uint64(r.offsets[i*8 : i*8+8])
	if off+6 > uint64(len(r.data)) {
		return Record{}, errors.Errorf("record offset %d beyond data end", off)
	}

	keyLen := binary.LittleEndian.Uint32(r.data[off : off+4])
	payloadLen := binary.LittleEndian.Uint16(r.data[off+4 : off+6])
	start := off + 6
	end := start + uint64(keyLen) + uint64(payloadLen)
	if end > uint64(len(r.data)) {
		return Record{}, errors.Errorf("record at offset %d exceeds data end", off)
	}

	return Record{
		Key:     r.data[start : start+uint64(keyLen)],
		Payload: r.data[start+uint64(keyLen) : end],
	}, nil
}

// Seek returns the payload of the record with exactly the given key, or
// NotFound.
func (r *Reader) Seek(key []byte) ([]byte, error) {
	lo, hi := 0, r.count-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		rec, err := r.Record(mid)
		if err != nil {
			return nil, err
		}
		switch bytes.Compare(rec.Key, key) {
		case 0:
			return rec.Payload, nil
		case -1:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return nil, NotFound
}

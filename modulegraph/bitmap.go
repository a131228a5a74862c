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

package modulegraph

import (
	"github.com/weaviate/sroar"
)

// Bitmap is a set of chunk group ids backed by a roaring bitmap. Group
// membership sets can contain thousands of groups per module in large graphs,
// which makes the compressed representation worthwhile.
type Bitmap struct {
	bm *sroar.Bitmap
}

func NewBitmap() *Bitmap {
	return &Bitmap{bm: sroar.NewBitmap()}
}

func (b *Bitmap) Set(id ChunkGroupID) {
	b.bm.Set(uint64(id))
}

func (b *Bitmap) Contains(id ChunkGroupID) bool {
	return b.bm.Contains(uint64(id))
}

func (b *Bitmap) IsEmpty() bool {
	return b.bm.IsEmpty()
}

// Len returns the number of chunk groups in the set.
func (b *Bitmap) Len() int {
	return b.bm.GetCardinality()
}

func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{bm: b.bm.Clone()}
}

// Union adds all groups of other into b.
func (b *Bitmap) Union(other *Bitmap) {
	b.bm.Or(other.bm)
}

// HasBitsNotIn reports whether b contains at least one group that other does
// not. This is the fixed-point progress test: merging b into other changes
// other exactly when this holds.
func (b *Bitmap) HasBitsNotIn(other *Bitmap) bool {
	diff := b.bm.Clone()
	diff.AndNot(other.bm)
	return !diff.IsEmpty()
}

func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.bm.GetCardinality() != other.bm.GetCardinality() {
		return false
	}
	return !b.HasBitsNotIn(other)
}

// Slice returns the group ids in ascending order.
func (b *Bitmap) Slice() []ChunkGroupID {
	raw := b.bm.ToArray()
	out := make([]ChunkGroupID, len(raw))
	for i, v := range raw {
		out[i] = ChunkGroupID(v)
	}
	return out
}

// key returns the serialized form, used to group batches by identical chunk
// group sets.
func (b *Bitmap) key() string {
	return string(b.bm.ToBuffer())
}

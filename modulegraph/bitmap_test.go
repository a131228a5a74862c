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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_SetContains(t *testing.T) {
	b := NewBitmap()
	assert.True(t, b.IsEmpty())

	b.Set(3)
	b.Set(7)
	b.Set(3)

	assert.False(t, b.IsEmpty())
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Contains(3))
	assert.True(t, b.Contains(7))
	assert.False(t, b.Contains(4))
	assert.Equal(t, []ChunkGroupID{3, 7}, b.Slice())
}

func TestBitmap_UnionAndProgress(t *testing.T) {
	a := NewBitmap()
	a.Set(1)
	a.Set(2)
	b := NewBitmap()
	b.Set(2)
	b.Set(3)

	assert.True(t, a.HasBitsNotIn(b))
	assert.True(t, b.HasBitsNotIn(a))

	a.Union(b)
	assert.Equal(t, []ChunkGroupID{1, 2, 3}, a.Slice())
	assert.False(t, b.HasBitsNotIn(a))
	assert.True(t, a.HasBitsNotIn(b))
}

func TestBitmap_Equal(t *testing.T) {
	a := NewBitmap()
	b := NewBitmap()
	assert.True(t, a.Equal(b))

	a.Set(5)
	assert.False(t, a.Equal(b))

	b.Set(5)
	assert.True(t, a.Equal(b))

	// Clone is independent of the original.
	c := a.Clone()
	c.Set(9)
	assert.False(t, a.Contains(9))
	assert.False(t, a.Equal(c))
}

func TestTraversal_BFSAssignsMinimalDepth(t *testing.T) {
	g := NewGraph()
	a := g.AddModule("a", true)
	b := g.AddModule("b", true)
	c := g.AddModule("c", true)
	d := g.AddModule("d", true)
	g.AddReference(a, b, Parallel())
	g.AddReference(b, c, Parallel())
	g.AddReference(c, d, Parallel())
	g.AddReference(a, d, Parallel())

	depth := map[ModuleID]int{}
	err := g.TraverseEdgesFromEntriesBFS([]ModuleID{a}, func(parent *EdgeRef, node ModuleID) (TraversalAction, error) {
		if parent == nil {
			depth[node] = 0
			return Continue, nil
		}
		if _, ok := depth[node]; !ok {
			depth[node] = depth[parent.Parent] + 1
		}
		return Continue, nil
	})
	require.Nil(t, err)

	assert.Equal(t, 0, depth[a])
	assert.Equal(t, 1, depth[b])
	assert.Equal(t, 2, depth[c])
	// The direct edge wins over the longer path.
	assert.Equal(t, 1, depth[d])
}

func TestTraversal_CyclesDetected(t *testing.T) {
	g := NewGraph()
	a := g.AddModule("a", true)
	b := g.AddModule("b", true)
	c := g.AddModule("c", true)
	d := g.AddModule("d", true)
	g.AddReference(a, b, Parallel())
	g.AddReference(b, c, Parallel())
	g.AddReference(c, b, Parallel())
	g.AddReference(c, d, Async())
	g.AddReference(d, d, Parallel())

	var cycles [][]ModuleID
	g.TraverseCycles(
		func(typ ChunkingType) bool { return typ.IsParallel() },
		func(cycle []ModuleID) {
			cycles = append(cycles, append([]ModuleID(nil), cycle...))
		},
	)

	// Only the b/c cycle counts: self references and non-parallel edges are
	// ignored.
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []ModuleID{b, c}, cycles[0])
}

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
	"github.com/pkg/errors"
)

// NodeKind discriminates ModuleOrBatch.
type NodeKind uint8

const (
	// NodeBatch is a run of two or more modules that always evaluate
	// together.
	NodeBatch NodeKind = iota
	// NodeModule is a single module that could not be batched.
	NodeModule
	// NodeNone is a placeholder for a batch that ended up empty after
	// normalization. It only exists to carry edges.
	NodeNone
)

// ModuleBatch is a maximal run of modules that share identical chunk group
// membership and are always evaluated in the stored order.
type ModuleBatch struct {
	// Modules in evaluation order, dependencies first.
	Modules []ModuleID

	// ChunkGroups is the common membership set of all modules in the batch.
	ChunkGroups *Bitmap
}

// ModuleOrBatch is a node of the batch graph.
type ModuleOrBatch struct {
	Kind   NodeKind
	Batch  *ModuleBatch
	Module ModuleID
}

// ModuleBatchGroup collects all nodes that share the exact same chunk group
// membership, in creation order. Groups with a single member are not
// materialized.
type ModuleBatchGroup struct {
	Items       []ModuleOrBatch
	ChunkGroups *Bitmap
}

// BatchEdge annotates an edge of the batch graph. For non-parallel edges the
// target module inside the target node is recorded.
type BatchEdge struct {
	Type      ChunkingType
	Module    ModuleID
	HasModule bool
}

type batchRef struct {
	to   int
	edge BatchEdge
}

// ModuleBatchesGraph is the result of ComputeModuleBatches: a DAG-shaped
// condensation of the module graph into batches, single modules, and
// placeholder nodes.
type ModuleBatchesGraph struct {
	nodes   []ModuleOrBatch
	out     [][]batchRef
	entries map[ModuleID]int

	batchGroups map[int]*ModuleBatchGroup

	// orderedModules overrides the entry module order of merged chunk
	// groups, indexed by ChunkGroupID. Nil means the group's declared order
	// stands.
	orderedModules [][]ModuleID
}

func (bg *ModuleBatchesGraph) NumNodes() int {
	return len(bg.nodes)
}

func (bg *ModuleBatchesGraph) Node(idx int) ModuleOrBatch {
	return bg.nodes[idx]
}

// EntryIndex resolves the node containing the given entry module.
func (bg *ModuleBatchesGraph) EntryIndex(m ModuleID) (int, error) {
	idx, ok := bg.entries[m]
	if !ok {
		return 0, errors.Errorf("module %d is not an entry of the batch graph", m)
	}
	return idx, nil
}

// Entry resolves the node containing the given entry module.
func (bg *ModuleBatchesGraph) Entry(m ModuleID) (ModuleOrBatch, error) {
	idx, err := bg.EntryIndex(m)
	if err != nil {
		return ModuleOrBatch{}, err
	}
	return bg.nodes[idx], nil
}

// SuccessorEdge is one outgoing edge together with its target node.
type SuccessorEdge struct {
	To   int
	Edge BatchEdge
}

// Successors returns the outgoing edges of a node in reference order.
func (bg *ModuleBatchesGraph) Successors(idx int) []SuccessorEdge {
	refs := bg.out[idx]
	edges := make([]SuccessorEdge, len(refs))
	for i, r := range refs {
		edges[i] = SuccessorEdge{To: r.to, Edge: r.edge}
	}
	return edges
}

// BatchGroup returns the batch group a node belongs to, if the group has
// more than one member.
func (bg *ModuleBatchesGraph) BatchGroup(idx int) (*ModuleBatchGroup, bool) {
	grp, ok := bg.batchGroups[idx]
	return grp, ok
}

// OrderedEntryModules returns the entry modules of a chunk group in
// evaluation order. For merged groups the order is derived from the
// evaluation order of the referencing group, for all other groups it is the
// discovery order recorded in info.
func (bg *ModuleBatchesGraph) OrderedEntryModules(info *ChunkGroupInfo, id ChunkGroupID) []ModuleID {
	if int(id) < len(bg.orderedModules) && bg.orderedModules[id] != nil {
		return bg.orderedModules[id]
	}
	return info.ChunkGroups[id].Modules
}

// BatchEdgeRef identifies the edge through which a batch node is visited.
type BatchEdgeRef struct {
	Parent int
	Edge   BatchEdge
}

// TraverseEdgesFromEntriesTopological visits batch nodes depth first. pre
// runs per edge before descending, post runs once per node after all its
// outgoing edges have been processed. Each node is expanded at most once.
func (bg *ModuleBatchesGraph) TraverseEdgesFromEntriesTopological(
	entries []int,
	pre func(parent *BatchEdgeRef, node int) (TraversalAction, error),
	post func(parent *BatchEdgeRef, node int) error,
) error {
	type frame struct {
		parent    *BatchEdgeRef
		node      int
		postorder bool
	}

	stack := make([]frame, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: entries[i]})
	}
	expanded := map[int]struct{}{}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.postorder {
			if err := post(f.parent, f.node); err != nil {
				return err
			}
			continue
		}

		action, err := pre(f.parent, f.node)
		if err != nil {
			return err
		}
		if action == Exclude {
			continue
		}
		if _, ok := expanded[f.node]; ok {
			continue
		}
		expanded[f.node] = struct{}{}

		stack = append(stack, frame{parent: f.parent, node: f.node, postorder: true})
		if action == Continue {
			refs := bg.out[f.node]
			for i := len(refs) - 1; i >= 0; i-- {
				stack = append(stack, frame{
					parent: &BatchEdgeRef{Parent: f.node, Edge: refs[i].edge},
					node:   refs[i].to,
				})
			}
		}
	}
	return nil
}

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
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type preBatchItemKind uint8

const (
	// itemParallelModule is a module evaluated inline in the batch.
	itemParallelModule preBatchItemKind = iota
	// itemParallelReference evaluates another batch inline.
	itemParallelReference
	// itemNonParallelEdge is a reference that leaves the batch.
	itemNonParallelEdge
)

// preBatchItem is comparable so it can be deduplicated in an itemSet.
type preBatchItem struct {
	kind   preBatchItemKind
	module ModuleID
	ref    int
	typ    ChunkingType
}

func parallelModuleItem(m ModuleID) preBatchItem {
	return preBatchItem{kind: itemParallelModule, module: m}
}

func parallelReferenceItem(idx int) preBatchItem {
	return preBatchItem{kind: itemParallelReference, ref: idx}
}

func nonParallelEdgeItem(typ ChunkingType, m ModuleID) preBatchItem {
	return preBatchItem{kind: itemNonParallelEdge, typ: typ, module: m}
}

// itemSet is an insertion-ordered set of pre-batch items. The batching passes
// rely on both the order and the position lookup.
type itemSet struct {
	items []preBatchItem
	index map[preBatchItem]int
}

func newItemSet() *itemSet {
	return &itemSet{index: map[preBatchItem]int{}}
}

func (s *itemSet) insert(it preBatchItem) bool {
	if _, ok := s.index[it]; ok {
		return false
	}
	s.index[it] = len(s.items)
	s.items = append(s.items, it)
	return true
}

func (s *itemSet) at(pos int) (preBatchItem, bool) {
	if pos < 0 || pos >= len(s.items) {
		return preBatchItem{}, false
	}
	return s.items[pos], true
}

func (s *itemSet) indexOf(it preBatchItem) (int, bool) {
	i, ok := s.index[it]
	return i, ok
}

func (s *itemSet) len() int {
	return len(s.items)
}

func (s *itemSet) slice() []preBatchItem {
	return s.items
}

// splice removes count items at start, inserts repl in their place and
// returns the removed items. Positions after the splice shift, the index is
// rebuilt.
func (s *itemSet) splice(start, count int, repl preBatchItem) []preBatchItem {
	removed := make([]preBatchItem, count)
	copy(removed, s.items[start:start+count])

	rest := s.items[start+count:]
	s.items = append(s.items[:start], repl)
	s.items = append(s.items, rest...)

	s.index = make(map[preBatchItem]int, len(s.items))
	for i, it := range s.items {
		s.index[it] = i
	}
	return removed
}

// preBatch is a batch under construction.
type preBatch struct {
	items       *itemSet
	chunkGroups *Bitmap
}

func newPreBatch(chunkGroups *Bitmap) *preBatch {
	return &preBatch{items: newItemSet(), chunkGroups: chunkGroups}
}

type batchQueueItem struct {
	module ModuleID
	idx    int
}

type preBatchState struct {
	boundaryModules map[ModuleID]struct{}
	batches         []*preBatch

	// entries maps a boundary module to the batch starting at it. Only
	// chunkable modules get batches.
	entries map[ModuleID]int

	// singleModuleEntries collects modules that become standalone nodes.
	singleModuleEntries *moduleSet
}

func newPreBatchState() *preBatchState {
	return &preBatchState{
		boundaryModules:     map[ModuleID]struct{}{},
		entries:             map[ModuleID]int{},
		singleModuleEntries: newModuleSet(),
	}
}

func (s *preBatchState) isBoundary(m ModuleID) bool {
	_, ok := s.boundaryModules[m]
	return ok
}

func (s *preBatchState) ensurePreBatch(m ModuleID, info *ChunkGroupInfo, queue *[]batchQueueItem) (int, error) {
	if idx, ok := s.entries[m]; ok {
		return idx, nil
	}
	chunkGroups, ok := info.ModuleChunkGroups[m]
	if !ok {
		return 0, errors.Errorf("module %d has no chunk group info", m)
	}
	idx := len(s.batches)
	s.batches = append(s.batches, newPreBatch(chunkGroups.Clone()))
	s.entries[m] = idx
	*queue = append(*queue, batchQueueItem{module: m, idx: idx})
	return idx, nil
}

// collectPreBatchItems walks the parallel subgraph below entry and returns
// the batch items in evaluation order, dependencies first. The walk stops at
// boundary modules and non-parallel references, which become reference items
// instead.
func (s *preBatchState) collectPreBatchItems(
	g *Graph, entry ModuleID, info *ChunkGroupInfo, queue *[]batchQueueItem,
) ([]preBatchItem, error) {
	var items []preBatchItem
	visited := map[ModuleID]struct{}{}

	err := g.TraverseEdgesFromEntriesTopological(
		[]ModuleID{entry},
		func(parent *EdgeRef, node ModuleID) (TraversalAction, error) {
			typ := Parallel()
			if parent != nil {
				typ = parent.Type
			}
			if !typ.IsParallel() {
				items = append(items, nonParallelEdgeItem(typ.WithoutInheritAsync(), node))
				return Exclude, nil
			}
			if _, ok := visited[node]; ok {
				return Exclude, nil
			}
			visited[node] = struct{}{}
			if parent != nil && s.isBoundary(node) {
				idx, err := s.ensurePreBatch(node, info, queue)
				if err != nil {
					return Exclude, err
				}
				items = append(items, parallelReferenceItem(idx))
				return Exclude, nil
			}
			return Continue, nil
		},
		func(parent *EdgeRef, node ModuleID) error {
			items = append(items, parallelModuleItem(node))
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ComputeModuleBatches condenses the module graph into a DAG of batches.
// Maximal runs of parallel modules with identical chunk group membership
// collapse into a single batch, shared runs are extracted so that no module
// occurs in more than one batch, and all remaining references become edges
// between the resulting nodes.
func ComputeModuleBatches(ctx context.Context, g *Graph, info *ChunkGroupInfo, logger logrus.FieldLogger) (*ModuleBatchesGraph, error) {
	state := newPreBatchState()

	// Mark boundary modules: modules referenced non-parallel, or parallel
	// from a module with a different chunk group set.
	err := g.TraverseAllEdgesUnordered(func(parent ModuleID, typ ChunkingType, node ModuleID) error {
		if state.isBoundary(node) {
			return nil
		}
		if typ.IsParallel() {
			parentGroups, ok := info.ModuleChunkGroups[parent]
			if !ok {
				return errors.Errorf("module %d has no chunk group info", parent)
			}
			nodeGroups, ok := info.ModuleChunkGroups[node]
			if !ok {
				return errors.Errorf("module %d has no chunk group info", node)
			}
			if !parentGroups.Equal(nodeGroups) {
				state.boundaryModules[node] = struct{}{}
			}
		} else {
			state.boundaryModules[node] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// All chunk group entries are boundary modules too.
	for _, grp := range info.ChunkGroups {
		for _, m := range grp.Modules {
			state.boundaryModules[m] = struct{}{}
		}
	}

	// Batches would be incorrect with cycles, so cycles that touch a
	// boundary module become all-boundary.
	g.TraverseCycles(
		func(typ ChunkingType) bool { return typ.IsParallel() },
		func(cycle []ModuleID) {
			for _, m := range cycle {
				if state.isBoundary(m) {
					for _, m := range cycle {
						state.boundaryModules[m] = struct{}{}
					}
					return
				}
			}
		},
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var queue []batchQueueItem
	mergedChildrenParents := map[ChunkGroupID]struct{}{}

	// Start batches at the chunk group entries.
	for _, grp := range info.ChunkGroups {
		for _, m := range grp.Modules {
			if g.Module(m).Chunkable {
				if _, err := state.ensurePreBatch(m, info, &queue); err != nil {
					return nil, err
				}
			} else {
				state.singleModuleEntries.insert(m)
			}
		}
		if grp.IsMerged() {
			mergedChildrenParents[grp.Parent] = struct{}{}
		}
	}

	// Fill all batches. Walking a batch may discover further boundary
	// modules and queue their batches.
	initialItems := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		items, err := state.collectPreBatchItems(g, next.module, info, &queue)
		if err != nil {
			return nil, err
		}
		initialItems += len(items)
		batch := state.batches[next.idx]
		for _, it := range items {
			batch.items.insert(it)
		}
	}
	initialBatches := len(state.batches)

	// Derive the evaluation order of merged chunk groups from the order in
	// which their referencing groups evaluate the merged references.
	orderedModules := make([][]ModuleID, len(info.ChunkGroups))
	for i, grp := range info.ChunkGroups {
		if _, ok := mergedChildrenParents[ChunkGroupID(i)]; !ok {
			continue
		}
		mergedModules := map[ChunkingType]*moduleSet{}

		groupModules := grp.Modules
		if orderedModules[i] != nil {
			groupModules = orderedModules[i]
		}
		var stack [][2]int
		for _, m := range groupModules {
			if !g.Module(m).Chunkable {
				continue
			}
			idx, ok := state.entries[m]
			if !ok {
				return nil, errors.Errorf("entry module %d has no batch", m)
			}
			stack = append(stack, [2]int{idx, 0})
		}
		for l, r := 0, len(stack)-1; l < r; l, r = l+1, r-1 {
			stack[l], stack[r] = stack[r], stack[l]
		}

		visited := map[int]struct{}{}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			idx, pos := top[0], top[1]
			batch := state.batches[idx]
			for {
				item, ok := batch.items.at(pos)
				if !ok {
					break
				}
				if item.kind == itemParallelReference {
					if _, seen := visited[item.ref]; !seen {
						visited[item.ref] = struct{}{}
						stack = append(stack, [2]int{idx, pos + 1})
						stack = append(stack, [2]int{item.ref, 0})
						break
					}
				} else if item.kind == itemNonParallelEdge && item.typ.IsMerged() {
					set, ok := mergedModules[item.typ]
					if !ok {
						set = newModuleSet()
						mergedModules[item.typ] = set
					}
					set.insert(item.module)
				}
				pos++
			}
		}

		for typ, set := range mergedModules {
			kind := GroupIsolatedMerged
			if typ.Kind == ChunkingShared {
				kind = GroupSharedMerged
			}
			id, ok := info.mergedGroupID(kind, ChunkGroupID(i), typ.MergeTag)
			if !ok {
				return nil, errors.Errorf("merged chunk group %q below group %d not found", typ.MergeTag, i)
			}
			orderedModules[id] = set.slice()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Map every parallel module to the batches containing it, and collect
	// the targets of non-parallel edges that need standalone nodes.
	var moduleOrder []ModuleID
	moduleBatches := map[ModuleID][]int{}
	for idx, batch := range state.batches {
		for _, item := range batch.items.slice() {
			switch item.kind {
			case itemParallelModule:
				if _, ok := moduleBatches[item.module]; !ok {
					moduleOrder = append(moduleOrder, item.module)
				}
				moduleBatches[item.module] = append(moduleBatches[item.module], idx)
			case itemNonParallelEdge:
				if !g.Module(item.module).Chunkable {
					state.singleModuleEntries.insert(item.module)
				} else if _, ok := state.entries[item.module]; !ok {
					state.singleModuleEntries.insert(item.module)
				}
			}
		}
	}

	// A module must not occur in multiple batches. Extract maximal shared
	// runs into batches of their own.
	extractedSharedItems := 0
	for n := 0; n < len(moduleOrder); n++ {
		module := moduleOrder[n]
		batchList := moduleBatches[module]
		if len(batchList) <= 1 {
			continue
		}

		withItemIndex := make([][2]int, len(batchList))
		for j, idx := range batchList {
			pos, ok := state.batches[idx].items.indexOf(parallelModuleItem(module))
			if !ok {
				return nil, errors.Errorf("module %d missing from batch %d", module, idx)
			}
			withItemIndex[j] = [2]int{idx, pos}
		}

		// Grow the run while the following items match in every batch.
		selected := 1
		for {
			next, ok := state.batches[withItemIndex[0][0]].items.at(withItemIndex[0][1] + selected)
			if !ok || next.kind != itemParallelModule {
				break
			}
			if len(moduleBatches[next.module]) != len(batchList) {
				break
			}
			matches := true
			for _, bi := range withItemIndex[1:] {
				it, ok := state.batches[bi[0]].items.at(bi[1] + selected)
				if !ok || it != next {
					matches = false
					break
				}
			}
			if !matches {
				break
			}
			selected++
		}
		extractedSharedItems += selected

		// A batch consisting exactly of the run can be referenced directly.
		exactMatch := -1
		for _, bi := range withItemIndex {
			if bi[1] == 0 && state.batches[bi[0]].items.len() == selected {
				exactMatch = bi[0]
				break
			}
		}

		if exactMatch >= 0 {
			for _, bi := range withItemIndex {
				if bi[0] != exactMatch {
					state.batches[bi[0]].items.splice(bi[1], selected, parallelReferenceItem(exactMatch))
				}
			}
			for _, item := range state.batches[exactMatch].items.slice() {
				if item.kind == itemParallelModule {
					moduleBatches[item.module] = nil
				}
			}
		} else {
			newIdx := len(state.batches)
			newBatch := newPreBatch(state.batches[withItemIndex[0][0]].chunkGroups.Clone())
			removed := state.batches[withItemIndex[0][0]].items.splice(
				withItemIndex[0][1], selected, parallelReferenceItem(newIdx))
			for _, it := range removed {
				newBatch.items.insert(it)
				if it.kind == itemParallelModule {
					moduleBatches[it.module] = nil
				}
			}
			state.batches = append(state.batches, newBatch)
			for _, bi := range withItemIndex[1:] {
				state.batches[bi[0]].items.splice(bi[1], selected, parallelReferenceItem(newIdx))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Normalize batch shape: references first, then a run of parallel
	// modules. Batches with modules before references are split.
	edgeCount := 0
	for i := 0; i < len(state.batches); i++ {
		items := state.batches[i].items.slice()
		newItems := newItemSet()
		parallelRun := false
		for _, item := range items {
			chunkable := item.kind == itemParallelModule && g.Module(item.module).Chunkable
			if item.kind == itemParallelModule && !chunkable {
				state.singleModuleEntries.insert(item.module)
				item = nonParallelEdgeItem(Parallel(), item.module)
			}
			switch {
			case chunkable:
				parallelRun = true
				newItems.insert(item)
			case !parallelRun:
				edgeCount++
				newItems.insert(item)
			default:
				idx := len(state.batches)
				newBatch := newPreBatch(state.batches[i].chunkGroups.Clone())
				for _, it := range newItems.slice() {
					newBatch.items.insert(it)
				}
				state.batches = append(state.batches, newBatch)
				newItems = newItemSet()
				edgeCount++
				newItems.insert(parallelReferenceItem(idx))
				edgeCount++
				parallelRun = false
				newItems.insert(item)
			}
		}
		state.batches[i].items = newItems
	}

	// Materialize the nodes. Batch nodes first, then standalone modules.
	singleBase := len(state.batches)
	nodes := make([]ModuleOrBatch, 0, singleBase+state.singleModuleEntries.len())
	batchCount, moduleCount := 0, 0
	for _, batch := range state.batches {
		var modules []ModuleID
		for _, item := range batch.items.slice() {
			if item.kind == itemParallelModule {
				modules = append(modules, item.module)
			}
		}
		switch len(modules) {
		case 0:
			nodes = append(nodes, ModuleOrBatch{Kind: NodeNone})
		case 1:
			moduleCount++
			nodes = append(nodes, ModuleOrBatch{Kind: NodeModule, Module: modules[0]})
		default:
			batchCount++
			nodes = append(nodes, ModuleOrBatch{
				Kind:  NodeBatch,
				Batch: &ModuleBatch{Modules: modules, ChunkGroups: batch.chunkGroups.Clone()},
			})
		}
	}
	for _, m := range state.singleModuleEntries.slice() {
		moduleCount++
		nodes = append(nodes, ModuleOrBatch{Kind: NodeModule, Module: m})
	}

	// Group nodes with identical chunk group sets.
	groupNodes := map[string][]int{}
	groupBitmaps := map[string]*Bitmap{}
	for i, batch := range state.batches {
		key := batch.chunkGroups.key()
		groupNodes[key] = append(groupNodes[key], i)
		groupBitmaps[key] = batch.chunkGroups
	}
	for j, m := range state.singleModuleEntries.slice() {
		chunkGroups, ok := info.ModuleChunkGroups[m]
		if !ok {
			return nil, errors.Errorf("module %d has no chunk group info", m)
		}
		key := chunkGroups.key()
		groupNodes[key] = append(groupNodes[key], singleBase+j)
		groupBitmaps[key] = chunkGroups
	}
	batchGroups := map[int]*ModuleBatchGroup{}
	for key, idxs := range groupNodes {
		if len(idxs) < 2 {
			continue
		}
		grp := &ModuleBatchGroup{
			Items:       make([]ModuleOrBatch, len(idxs)),
			ChunkGroups: groupBitmaps[key].Clone(),
		}
		for j, idx := range idxs {
			grp.Items[j] = nodes[idx]
			batchGroups[idx] = grp
		}
	}

	// Edges, in item order per batch.
	out := make([][]batchRef, len(nodes))
	for i, batch := range state.batches {
		for _, item := range batch.items.slice() {
			switch item.kind {
			case itemParallelReference:
				out[i] = append(out[i], batchRef{to: item.ref, edge: BatchEdge{Type: Parallel()}})
			case itemNonParallelEdge:
				if g.Module(item.module).Chunkable {
					if target, ok := state.entries[item.module]; ok {
						out[i] = append(out[i], batchRef{
							to:   target,
							edge: BatchEdge{Type: item.typ, Module: item.module, HasModule: true},
						})
						continue
					}
				}
				j, ok := state.singleModuleEntries.indexOf(item.module)
				if !ok {
					return nil, errors.Errorf("module %d has no standalone node", item.module)
				}
				out[i] = append(out[i], batchRef{
					to:   singleBase + j,
					edge: BatchEdge{Type: item.typ, Module: item.module, HasModule: true},
				})
			}
		}
	}

	// Resolve the chunk group entries to their nodes.
	entries := map[ModuleID]int{}
	for _, grp := range info.ChunkGroups {
		for _, m := range grp.Modules {
			if g.Module(m).Chunkable {
				if target, ok := state.entries[m]; ok {
					entries[m] = target
					continue
				}
			}
			j, ok := state.singleModuleEntries.indexOf(m)
			if !ok {
				return nil, errors.Errorf("entry module %d has no node", m)
			}
			entries[m] = singleBase + j
		}
	}

	logger.WithFields(logrus.Fields{
		"action":                  "compute_module_batches",
		"initial_pre_batch_items": initialItems,
		"initial_pre_batches":     initialBatches,
		"extracted_shared_items":  extractedSharedItems,
		"batches":                 batchCount,
		"modules":                 moduleCount,
		"edges":                   edgeCount,
	}).Debug("computed module batches")

	return &ModuleBatchesGraph{
		nodes:          nodes,
		out:            out,
		entries:        entries,
		batchGroups:    batchGroups,
		orderedModules: orderedModules,
	}, nil
}

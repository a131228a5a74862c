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
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ChunkGroupID identifies a chunk group inside a ChunkGroupInfo. IDs are
// dense and assigned in creation order, which makes them usable as bitmap
// members.
type ChunkGroupID uint32

// ChunkGroupKind distinguishes how a chunk group came into existence.
type ChunkGroupKind uint8

const (
	// GroupEntry is an explicitly registered root group.
	GroupEntry ChunkGroupKind = iota
	// GroupAsync is created by an async reference.
	GroupAsync
	// GroupIsolated is created by an isolated reference without merge tag.
	GroupIsolated
	// GroupIsolatedMerged collects all isolated references with the same
	// merge tag below one parent group.
	GroupIsolatedMerged
	// GroupShared is created by a shared reference without merge tag.
	GroupShared
	// GroupSharedMerged collects all shared references with the same merge
	// tag below one parent group.
	GroupSharedMerged
)

// ChunkGroupEntry declares a root chunk group on the graph. Merged kinds
// refer to a parent entry that is registered implicitly.
type ChunkGroupEntry struct {
	Kind     ChunkGroupKind
	Modules  []ModuleID
	Parent   *ChunkGroupEntry
	MergeTag string
}

// EntryGroup declares a root group spanning the given modules.
func EntryGroup(modules ...ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupEntry, Modules: modules}
}

// AsyncGroup declares a root group as if reached through an async reference.
func AsyncGroup(module ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupAsync, Modules: []ModuleID{module}}
}

// IsolatedGroup declares a root group as if reached through an isolated
// reference.
func IsolatedGroup(module ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupIsolated, Modules: []ModuleID{module}}
}

// SharedGroup declares a root group as if reached through a shared
// reference.
func SharedGroup(module ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupShared, Modules: []ModuleID{module}}
}

// IsolatedMergedGroup declares a merged isolated root group below parent.
func IsolatedMergedGroup(parent ChunkGroupEntry, mergeTag string, modules ...ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupIsolatedMerged, Modules: modules, Parent: &parent, MergeTag: mergeTag}
}

// SharedMergedGroup declares a merged shared root group below parent.
func SharedMergedGroup(parent ChunkGroupEntry, mergeTag string, modules ...ModuleID) ChunkGroupEntry {
	return ChunkGroupEntry{Kind: GroupSharedMerged, Modules: modules, Parent: &parent, MergeTag: mergeTag}
}

// ChunkGroup is a materialized chunk group.
type ChunkGroup struct {
	Kind ChunkGroupKind

	// Modules are the entry modules of the group in discovery order.
	Modules []ModuleID

	// Parent is the group this one was merged below. Only meaningful for
	// merged kinds.
	Parent ChunkGroupID

	MergeTag string
}

// IsMerged reports whether the group was formed by merge-tag grouping.
func (c ChunkGroup) IsMerged() bool {
	return c.Kind == GroupIsolatedMerged || c.Kind == GroupSharedMerged
}

// chunkGroupKey is the comparable identity of a chunk group. Two references
// producing the same key land in the same group.
type chunkGroupKey struct {
	kind     ChunkGroupKind
	module   ModuleID
	modules  string
	parent   ChunkGroupID
	mergeTag string
}

func packModuleIDs(ids []ModuleID) string {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(id))
	}
	return string(buf)
}

// groupBuilder assigns dense ids to chunk group keys and tracks the entry
// modules of each group in discovery order.
type groupBuilder struct {
	keys    []chunkGroupKey
	index   map[chunkGroupKey]ChunkGroupID
	modules []*moduleSet
}

func newGroupBuilder() *groupBuilder {
	return &groupBuilder{index: map[chunkGroupKey]ChunkGroupID{}}
}

func (b *groupBuilder) ensure(key chunkGroupKey, modules ...ModuleID) ChunkGroupID {
	id, ok := b.index[key]
	if !ok {
		id = ChunkGroupID(len(b.keys))
		b.index[key] = id
		b.keys = append(b.keys, key)
		b.modules = append(b.modules, newModuleSet())
	}
	for _, m := range modules {
		b.modules[id].insert(m)
	}
	return id
}

// keyForEntry derives the group key of a declared entry, registering parent
// groups of merged entries along the way.
func (b *groupBuilder) keyForEntry(e ChunkGroupEntry) (chunkGroupKey, error) {
	switch e.Kind {
	case GroupEntry:
		return chunkGroupKey{kind: GroupEntry, modules: packModuleIDs(e.Modules)}, nil
	case GroupAsync, GroupIsolated, GroupShared:
		if len(e.Modules) != 1 {
			return chunkGroupKey{}, errors.Errorf("%d entry needs exactly one module", e.Kind)
		}
		return chunkGroupKey{kind: e.Kind, module: e.Modules[0]}, nil
	case GroupIsolatedMerged, GroupSharedMerged:
		if e.Parent == nil {
			return chunkGroupKey{}, errors.New("merged entry needs a parent entry")
		}
		parentKey, err := b.keyForEntry(*e.Parent)
		if err != nil {
			return chunkGroupKey{}, err
		}
		parentID := b.ensure(parentKey, e.Parent.Modules...)
		return chunkGroupKey{kind: e.Kind, parent: parentID, mergeTag: e.MergeTag}, nil
	default:
		return chunkGroupKey{}, errors.Errorf("unknown chunk group kind %d", e.Kind)
	}
}

// ChunkGroupInfo is the result of ComputeChunkGroupInfo.
type ChunkGroupInfo struct {
	// ModuleChunkGroups maps every reachable module to the set of chunk
	// groups it belongs to. Modules only reachable through traced references
	// map to an empty set.
	ModuleChunkGroups map[ModuleID]*Bitmap

	// ChunkGroups lists all groups, indexed by ChunkGroupID.
	ChunkGroups []ChunkGroup

	keyIndex map[chunkGroupKey]ChunkGroupID
}

func (i *ChunkGroupInfo) GroupCount() int {
	return len(i.ChunkGroups)
}

// mergedGroupID resolves the merged group with the given tag below parent.
func (i *ChunkGroupInfo) mergedGroupID(kind ChunkGroupKind, parent ChunkGroupID, mergeTag string) (ChunkGroupID, bool) {
	id, ok := i.keyIndex[chunkGroupKey{kind: kind, parent: parent, mergeTag: mergeTag}]
	return id, ok
}

// ComputeChunkGroupInfo assigns every reachable module the set of chunk
// groups it belongs to. Membership propagates along parallel references and
// restarts at group-creating references, so the computation iterates to a
// fixed point. Group sets only ever grow, each module's set is bounded by the
// total number of groups, hence the iteration terminates.
func ComputeChunkGroupInfo(ctx context.Context, g *Graph, logger logrus.FieldLogger) (*ChunkGroupInfo, error) {
	groups := newGroupBuilder()

	// Register declared entries up front so that fixed ids are assigned in
	// declaration order.
	entryKeys := map[ModuleID][]chunkGroupKey{}
	var seeds []ModuleID
	for _, entry := range g.Entries() {
		key, err := groups.keyForEntry(entry)
		if err != nil {
			return nil, err
		}
		groups.ensure(key, entry.Modules...)
		for _, m := range entry.Modules {
			if err := g.checkID(m); err != nil {
				return nil, err
			}
			entryKeys[m] = append(entryKeys[m], key)
			seeds = append(seeds, m)
		}
	}

	moduleChunkGroups := map[ModuleID]*Bitmap{}

	// Module depth steers visit order. Shallow modules first keeps group
	// sets converging bottom-up with few re-visits. The same pass seeds an
	// empty membership set for every reachable module, so modules behind
	// traced references still appear in the result map.
	depth := map[ModuleID]int{}
	err := g.TraverseEdgesFromEntriesBFS(seeds, func(parent *EdgeRef, node ModuleID) (TraversalAction, error) {
		if _, ok := moduleChunkGroups[node]; !ok {
			moduleChunkGroups[node] = NewBitmap()
		}
		if parent == nil {
			if _, ok := depth[node]; !ok {
				depth[node] = 0
			}
			return Continue, nil
		}
		if _, ok := depth[node]; !ok {
			depth[node] = depth[parent.Parent] + 1
		}
		return Continue, nil
	})
	if err != nil {
		return nil, err
	}

	priority := func(node ModuleID) TraversalPriority {
		p := TraversalPriority{Depth: depth[node]}
		if set, ok := moduleChunkGroups[node]; ok {
			p.GroupLen = set.Len()
		}
		return p
	}

	// A merge-tagged reference inside a cycle derives new merged groups from
	// its own output on every pass, so the group universe would grow without
	// bound. No valid graph needs anywhere near this many groups, so exceeding
	// the limit fails loudly instead of spinning.
	groupLimit := 256 * (g.NumModules() + 1)

	visits, err := g.TraverseEdgesFixedPoint(seeds, priority, func(parent *EdgeRef, node ModuleID) (TraversalAction, error) {
		if err := ctx.Err(); err != nil {
			return Skip, err
		}

		// Self references never change membership and would requeue forever.
		if parent != nil && parent.Parent == node {
			return Skip, nil
		}

		if parent != nil && parent.Type.IsParallel() {
			// Membership is inherited from the referencing module.
			parentSet := moduleChunkGroups[parent.Parent]
			cur, ok := moduleChunkGroups[node]
			if !ok {
				moduleChunkGroups[node] = parentSet.Clone()
				return Continue, nil
			}
			if parentSet.HasBitsNotIn(cur) {
				cur.Union(parentSet)
				return Continue, nil
			}
			return Skip, nil
		}

		// A chunk group starts at this module.
		var ids []ChunkGroupID
		if parent == nil {
			keys := entryKeys[node]
			if len(keys) == 0 {
				return Skip, errors.Errorf("module %q is not a declared entry", g.Module(node).Ident)
			}
			for _, key := range keys {
				ids = append(ids, groups.ensure(key, node))
			}
		} else {
			switch parent.Type.Kind {
			case ChunkingTraced:
				return Skip, nil
			case ChunkingAsync:
				ids = append(ids, groups.ensure(chunkGroupKey{kind: GroupAsync, module: node}, node))
			case ChunkingIsolated, ChunkingShared:
				kind := GroupIsolated
				mergedKind := GroupIsolatedMerged
				if parent.Type.Kind == ChunkingShared {
					kind = GroupShared
					mergedKind = GroupSharedMerged
				}
				if parent.Type.IsMerged() {
					// One merged group per chunk group of the referencing
					// module.
					for _, gid := range moduleChunkGroups[parent.Parent].Slice() {
						key := chunkGroupKey{kind: mergedKind, parent: gid, mergeTag: parent.Type.MergeTag}
						ids = append(ids, groups.ensure(key, node))
					}
				} else {
					ids = append(ids, groups.ensure(chunkGroupKey{kind: kind, module: node}, node))
				}
			default:
				return Skip, errors.Errorf("unexpected chunking kind %s", parent.Type.Kind)
			}
		}

		if len(groups.keys) > groupLimit {
			return Skip, errors.Errorf(
				"%d chunk groups for %d modules, a merge-tagged reference cycle keeps creating merged groups",
				len(groups.keys), g.NumModules())
		}

		newSet := NewBitmap()
		for _, id := range ids {
			newSet.Set(id)
		}
		cur, ok := moduleChunkGroups[node]
		if !ok {
			moduleChunkGroups[node] = newSet
			return Continue, nil
		}
		if newSet.HasBitsNotIn(cur) {
			cur.Union(newSet)
			return Continue, nil
		}
		return Skip, nil
	})
	if err != nil {
		return nil, err
	}

	info := &ChunkGroupInfo{
		ModuleChunkGroups: moduleChunkGroups,
		ChunkGroups:       make([]ChunkGroup, len(groups.keys)),
		keyIndex:          groups.index,
	}
	for i, key := range groups.keys {
		info.ChunkGroups[i] = ChunkGroup{
			Kind:     key.kind,
			Modules:  groups.modules[i].slice(),
			Parent:   key.parent,
			MergeTag: key.mergeTag,
		}
	}

	logger.WithFields(logrus.Fields{
		"action":       "compute_chunk_group_info",
		"modules":      g.NumModules(),
		"visits":       visits,
		"chunk_groups": len(info.ChunkGroups),
	}).Debug("computed chunk group info")

	return info, nil
}

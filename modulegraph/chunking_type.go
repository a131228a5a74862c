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

// ChunkingKind describes how a reference influences chunk placement of the
// referenced module.
type ChunkingKind uint8

const (
	// ChunkingParallel places the referenced module in the same chunk groups
	// as the referencing module.
	ChunkingParallel ChunkingKind = iota
	// ChunkingAsync starts a new async chunk group at the referenced module.
	ChunkingAsync
	// ChunkingIsolated starts a new isolated chunk group at the referenced
	// module. With a merge tag, isolated groups below the same parent group
	// are merged into one.
	ChunkingIsolated
	// ChunkingShared starts a new shared chunk group at the referenced
	// module. With a merge tag, shared groups below the same parent group
	// are merged into one.
	ChunkingShared
	// ChunkingTraced marks a reference that is followed for tracing only and
	// never contributes to chunking.
	ChunkingTraced
)

func (k ChunkingKind) String() string {
	switch k {
	case ChunkingParallel:
		return "parallel"
	case ChunkingAsync:
		return "async"
	case ChunkingIsolated:
		return "isolated"
	case ChunkingShared:
		return "shared"
	case ChunkingTraced:
		return "traced"
	default:
		return "unknown"
	}
}

// ChunkingType is attached to every reference edge. It is comparable so it
// can serve as a map key during batching.
type ChunkingType struct {
	Kind ChunkingKind

	// InheritAsync is only meaningful for parallel references. It marks
	// references whose async-ness propagates to the parent.
	InheritAsync bool

	// Hoisted is only meaningful for parallel references and marks
	// references that originate from hoisting rather than source order.
	Hoisted bool

	// MergeTag selects merged isolated/shared grouping. Empty means no
	// merging.
	MergeTag string
}

// Parallel returns a plain parallel chunking type.
func Parallel() ChunkingType {
	return ChunkingType{Kind: ChunkingParallel}
}

// ParallelHoisted returns a parallel chunking type for hoisted references.
func ParallelHoisted(inheritAsync bool) ChunkingType {
	return ChunkingType{Kind: ChunkingParallel, InheritAsync: inheritAsync, Hoisted: true}
}

// Async returns an async chunking type.
func Async() ChunkingType {
	return ChunkingType{Kind: ChunkingAsync}
}

// Isolated returns an isolated chunking type, merged if mergeTag is
// non-empty.
func Isolated(mergeTag string) ChunkingType {
	return ChunkingType{Kind: ChunkingIsolated, MergeTag: mergeTag}
}

// Shared returns a shared chunking type, merged if mergeTag is non-empty.
func Shared(mergeTag string) ChunkingType {
	return ChunkingType{Kind: ChunkingShared, MergeTag: mergeTag}
}

// Traced returns a traced chunking type.
func Traced() ChunkingType {
	return ChunkingType{Kind: ChunkingTraced}
}

// IsParallel reports whether the reference keeps the referenced module in the
// referencing module's chunk groups.
func (t ChunkingType) IsParallel() bool {
	return t.Kind == ChunkingParallel
}

// IsMerged reports whether the reference participates in merge-tag grouping.
func (t ChunkingType) IsMerged() bool {
	return (t.Kind == ChunkingIsolated || t.Kind == ChunkingShared) && t.MergeTag != ""
}

// WithoutInheritAsync strips the inherit-async marker. Batching treats
// references that only differ in async inheritance as equal.
func (t ChunkingType) WithoutInheritAsync() ChunkingType {
	t.InheritAsync = false
	return t
}

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

// Package modulegraph computes chunk-group membership and evaluation batches
// over a module reference graph. Both computations are fixed-point or
// order-sensitive graph passes over the same arena-backed graph
// representation.
package modulegraph

import (
	"github.com/pkg/errors"
)

// ModuleID identifies a module inside a Graph. IDs are dense and assigned in
// insertion order, which makes them usable as bitmap members and slice
// indices.
type ModuleID uint32

// Module carries the per-module attributes the graph passes need.
type Module struct {
	// Ident is a human readable identifier, used in logs and errors only.
	Ident string

	// Chunkable modules can be placed into chunks and batches. Modules that
	// are not chunkable (for example external references) always become
	// standalone graph nodes.
	Chunkable bool
}

// Reference is an outgoing edge of a module.
type Reference struct {
	To   ModuleID
	Type ChunkingType
}

// Graph is an append-only module reference graph. It is not safe for
// concurrent mutation, but all Compute* passes only read it and may run
// concurrently once construction is done.
type Graph struct {
	modules []Module
	out     [][]Reference
	entries []ChunkGroupEntry
}

func NewGraph() *Graph {
	return &Graph{}
}

// AddModule registers a module and returns its id. Reference order is
// preserved, the first module added gets id 0.
func (g *Graph) AddModule(ident string, chunkable bool) ModuleID {
	id := ModuleID(len(g.modules))
	g.modules = append(g.modules, Module{Ident: ident, Chunkable: chunkable})
	g.out = append(g.out, nil)
	return id
}

// AddReference adds a directed edge. The relative order of references from
// the same module is significant, it determines evaluation order within
// batches.
func (g *Graph) AddReference(from, to ModuleID, typ ChunkingType) {
	g.out[from] = append(g.out[from], Reference{To: to, Type: typ})
}

// AddEntry registers a root chunk group. Entries seed both the chunk-group
// and the batch computation.
func (g *Graph) AddEntry(entry ChunkGroupEntry) {
	g.entries = append(g.entries, entry)
}

func (g *Graph) NumModules() int {
	return len(g.modules)
}

func (g *Graph) Module(id ModuleID) Module {
	return g.modules[id]
}

// References returns the outgoing edges of a module. The returned slice is
// owned by the graph and must not be modified.
func (g *Graph) References(id ModuleID) []Reference {
	return g.out[id]
}

func (g *Graph) Entries() []ChunkGroupEntry {
	return g.entries
}

func (g *Graph) checkID(id ModuleID) error {
	if int(id) >= len(g.modules) {
		return errors.Errorf("module id %d out of range (%d modules)", id, len(g.modules))
	}
	return nil
}

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
	"container/heap"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// TraversalAction is returned by visit callbacks to steer a traversal.
type TraversalAction uint8

const (
	// Continue follows the outgoing edges of the visited module.
	Continue TraversalAction = iota
	// Skip does not follow outgoing edges but keeps the visit itself.
	Skip
	// Exclude drops the visit entirely. In topological traversals the
	// postorder callback is not invoked for excluded visits.
	Exclude
)

// EdgeRef identifies the edge through which a module is visited.
type EdgeRef struct {
	Parent ModuleID
	Type   ChunkingType
}

// TraverseEdgesFromEntriesBFS visits modules breadth first starting at
// entries. The callback runs once per edge (and once per entry with a nil
// parent), but each module's outgoing edges are expanded at most once. A
// module is therefore visited with its minimal distance from the entries
// first.
func (g *Graph) TraverseEdgesFromEntriesBFS(
	entries []ModuleID,
	visit func(parent *EdgeRef, node ModuleID) (TraversalAction, error),
) error {
	queue := make([]ModuleID, 0, len(entries))
	enqueued := make(map[ModuleID]struct{}, len(entries))

	for _, entry := range entries {
		action, err := visit(nil, entry)
		if err != nil {
			return err
		}
		if action != Continue {
			continue
		}
		if _, ok := enqueued[entry]; !ok {
			enqueued[entry] = struct{}{}
			queue = append(queue, entry)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, ref := range g.out[node] {
			action, err := visit(&EdgeRef{Parent: node, Type: ref.Type}, ref.To)
			if err != nil {
				return err
			}
			if action != Continue {
				continue
			}
			if _, ok := enqueued[ref.To]; !ok {
				enqueued[ref.To] = struct{}{}
				queue = append(queue, ref.To)
			}
		}
	}
	return nil
}

// TraversalPriority orders pending visits of the fixed-point traversal.
// Lower depth wins, ties break on smaller group set size. Visiting shallow
// modules with small sets first merges sets bottom-up and keeps the number
// of re-visits low.
type TraversalPriority struct {
	Depth    int
	GroupLen int
}

func (p TraversalPriority) less(o TraversalPriority) bool {
	if p.Depth != o.Depth {
		return p.Depth < o.Depth
	}
	return p.GroupLen < o.GroupLen
}

type fixedPointItem struct {
	parent *EdgeRef
	node   ModuleID
	prio   TraversalPriority
}

type fixedPointQueue []fixedPointItem

func (q fixedPointQueue) Len() int            { return len(q) }
func (q fixedPointQueue) Less(i, j int) bool  { return q[i].prio.less(q[j].prio) }
func (q fixedPointQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *fixedPointQueue) Push(x interface{}) { *q = append(*q, x.(fixedPointItem)) }
func (q *fixedPointQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// TraverseEdgesFixedPoint re-visits modules until the visit callback reports
// no further change. Whenever visit returns Continue, all outgoing edges of
// the module are scheduled again with a fresh priority. The traversal
// terminates because callers only return Continue on monotone progress.
// It returns the total number of visits.
func (g *Graph) TraverseEdgesFixedPoint(
	entries []ModuleID,
	priority func(node ModuleID) TraversalPriority,
	visit func(parent *EdgeRef, node ModuleID) (TraversalAction, error),
) (int, error) {
	queue := make(fixedPointQueue, 0, len(entries))
	for _, entry := range entries {
		queue = append(queue, fixedPointItem{node: entry, prio: priority(entry)})
	}
	heap.Init(&queue)

	visits := 0
	for queue.Len() > 0 {
		item := heap.Pop(&queue).(fixedPointItem)
		visits++

		action, err := visit(item.parent, item.node)
		if err != nil {
			return visits, err
		}
		if action != Continue {
			continue
		}
		for _, ref := range g.out[item.node] {
			heap.Push(&queue, fixedPointItem{
				parent: &EdgeRef{Parent: item.node, Type: ref.Type},
				node:   ref.To,
				prio:   priority(ref.To),
			})
		}
	}
	return visits, nil
}

// TraverseEdgesFromEntriesTopological visits modules depth first. pre runs
// per edge before descending, post runs once per module after all its
// outgoing edges have been processed, so post observes dependencies before
// dependents. Each module is expanded at most once.
func (g *Graph) TraverseEdgesFromEntriesTopological(
	entries []ModuleID,
	pre func(parent *EdgeRef, node ModuleID) (TraversalAction, error),
	post func(parent *EdgeRef, node ModuleID) error,
) error {
	type frame struct {
		parent    *EdgeRef
		node      ModuleID
		postorder bool
	}

	stack := make([]frame, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: entries[i]})
	}
	expanded := map[ModuleID]struct{}{}

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
			refs := g.out[f.node]
			for i := len(refs) - 1; i >= 0; i-- {
				stack = append(stack, frame{
					parent: &EdgeRef{Parent: f.node, Type: refs[i].Type},
					node:   refs[i].To,
				})
			}
		}
	}
	return nil
}

// TraverseAllEdgesUnordered calls visit once for every edge of the graph in
// unspecified order.
func (g *Graph) TraverseAllEdgesUnordered(
	visit func(parent ModuleID, typ ChunkingType, node ModuleID) error,
) error {
	for from, refs := range g.out {
		for _, ref := range refs {
			if err := visit(ModuleID(from), ref.Type, ref.To); err != nil {
				return err
			}
		}
	}
	return nil
}

// TraverseCycles finds strongly connected components over the subgraph of
// edges accepted by includeEdge and calls visit for every component with
// more than one module. Self references are ignored.
func (g *Graph) TraverseCycles(
	includeEdge func(typ ChunkingType) bool,
	visit func(cycle []ModuleID),
) {
	dg := simple.NewDirectedGraph()
	for id := range g.modules {
		dg.AddNode(simple.Node(id))
	}
	for from, refs := range g.out {
		for _, ref := range refs {
			if int(ref.To) == from || !includeEdge(ref.Type) {
				continue
			}
			dg.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(ref.To)})
		}
	}

	for _, scc := range topo.TarjanSCC(dg) {
		if len(scc) < 2 {
			continue
		}
		cycle := make([]ModuleID, len(scc))
		for i, n := range scc {
			cycle[i] = ModuleID(n.ID())
		}
		visit(cycle)
	}
}

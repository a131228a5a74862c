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

// moduleSet is an insertion-ordered set of module ids. Several passes depend
// on deterministic iteration order, plain maps cannot provide that.
type moduleSet struct {
	ids   []ModuleID
	index map[ModuleID]int
}

func newModuleSet() *moduleSet {
	return &moduleSet{index: map[ModuleID]int{}}
}

// insert adds id if not yet present and reports whether it was added.
func (s *moduleSet) insert(id ModuleID) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = len(s.ids)
	s.ids = append(s.ids, id)
	return true
}

func (s *moduleSet) indexOf(id ModuleID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

func (s *moduleSet) contains(id ModuleID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *moduleSet) len() int {
	return len(s.ids)
}

func (s *moduleSet) slice() []ModuleID {
	return s.ids
}

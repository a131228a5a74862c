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

package sstkv

import "sync"

// FamilyRegistry maps stable family names to the small integer ids used on
// disk. Ids are assigned in registration order, and registering the same name
// again is a no-op returning the existing id, so callers may register from
// any number of init paths without coordination.
type FamilyRegistry struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   map[uint32]string
	next   uint32
}

func NewFamilyRegistry() *FamilyRegistry {
	return &FamilyRegistry{
		byName: map[string]uint32{},
		byID:   map[uint32]string{},
	}
}

// GlobalFamilyRegistry serves processes that treat family names as
// process-wide statics.
var GlobalFamilyRegistry *FamilyRegistry

func init() {
	GlobalFamilyRegistry = NewFamilyRegistry()
}

// Register returns the id for name, assigning the next free id on first use.
func (r *FamilyRegistry) Register(name string) uint32 {
	r.mu.RLock()
	if id, ok := r.byName[name]; ok {
		r.mu.RUnlock()
		return id
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.next
	r.next++
	r.byName[name] = id
	r.byID[id] = name
	return id
}

func (r *FamilyRegistry) Lookup(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *FamilyRegistry) Name(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	return name, ok
}

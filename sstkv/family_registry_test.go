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

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewFamilyRegistry()

	id1 := r.Register("objects")
	id2 := r.Register("objects")
	assert.Equal(t, id1, id2)

	other := r.Register("index")
	assert.NotEqual(t, id1, other)

	got, ok := r.Lookup("objects")
	require.True(t, ok)
	assert.Equal(t, id1, got)

	name, ok := r.Name(other)
	require.True(t, ok)
	assert.Equal(t, "index", name)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestFamilyRegistry_ConcurrentRegister(t *testing.T) {
	r := NewFamilyRegistry()

	wg := sync.WaitGroup{}
	ids := make([]uint32, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Register(fmt.Sprintf("family-%d", i%4))
		}(i)
	}
	wg.Wait()

	// Same name always resolves to the same id.
	for i := range ids {
		expected, ok := r.Lookup(fmt.Sprintf("family-%d", i%4))
		require.True(t, ok)
		assert.Equal(t, expected, ids[i])
	}
}

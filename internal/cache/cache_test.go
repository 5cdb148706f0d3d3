package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	set, err := m.SetIfAbsent(ctx, "k", "true")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = m.SetIfAbsent(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, set)

	v, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	m.Flush()
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_SetIfAbsentIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.SetIfAbsent(ctx, "k", "true"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

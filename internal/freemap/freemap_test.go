package freemap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/freemap"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	b := freemap.New(16)

	start, ok := b.Allocate(4)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	for i := int64(0); i < 4; i++ {
		assert.True(t, b.IsAllocated(i))
	}

	b.Release(start, 4)
	for i := int64(0); i < 4; i++ {
		assert.False(t, b.IsAllocated(i))
	}
}

func TestAllocateIsFirstFit(t *testing.T) {
	b := freemap.New(8)
	a, ok := b.Allocate(2)
	require.True(t, ok)
	require.Equal(t, int64(0), a)

	c, ok := b.Allocate(2)
	require.True(t, ok)
	require.Equal(t, int64(2), c)

	b.Release(a, 2)

	d, ok := b.Allocate(2)
	require.True(t, ok)
	assert.Equal(t, int64(0), d, "first-fit should reuse the freed run ahead of the untouched tail")
}

func TestAllocateExhaustion(t *testing.T) {
	b := freemap.New(4)
	_, ok := b.Allocate(4)
	require.True(t, ok)

	_, ok = b.Allocate(1)
	assert.False(t, ok)
}

func TestMarkReserved(t *testing.T) {
	b := freemap.New(8)
	b.MarkReserved(0, 3)
	assert.True(t, b.IsAllocated(0))
	assert.True(t, b.IsAllocated(2))
	assert.False(t, b.IsAllocated(3))

	start, ok := b.Allocate(1)
	require.True(t, ok)
	assert.Equal(t, int64(3), start)
}

package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/frame"
	"kcore/internal/metrics"
)

func TestAcquireBelowCapAllocatesFresh(t *testing.T) {
	p := frame.NewPool(2, true, "writable", metrics.NewFrameUnregistered())
	e1, evicted := p.Acquire()
	require.False(t, evicted)
	e2, evicted := p.Acquire()
	require.False(t, evicted)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, 2, p.Len())
}

func TestSingleCriterionClockPrefersUnaccessed(t *testing.T) {
	p := frame.NewPool(2, false, "readonly", metrics.NewFrameUnregistered())
	a, _ := p.Acquire()
	a.Accessed = true
	b, _ := p.Acquire()
	b.Accessed = false

	victim, evicted := p.Acquire()
	require.True(t, evicted)
	assert.Same(t, b, victim, "the single-criterion clock must pick the unaccessed entry first")
}

func TestTwoPassClockPrefersCleanUnaccessedOverDirty(t *testing.T) {
	p := frame.NewPool(2, true, "writable", metrics.NewFrameUnregistered())
	dirty, _ := p.Acquire()
	dirty.Accessed = false
	dirty.Dirty = true
	clean, _ := p.Acquire()
	clean.Accessed = false
	clean.Dirty = false

	victim, evicted := p.Acquire()
	require.True(t, evicted)
	assert.Same(t, clean, victim, "pass 1 of the two-pass clock must prefer !accessed && !dirty")
}

func TestTwoPassClockFallsBackToDirtyOnSecondPass(t *testing.T) {
	p := frame.NewPool(1, true, "writable", metrics.NewFrameUnregistered())
	only, _ := p.Acquire()
	only.Accessed = false
	only.Dirty = true

	victim, evicted := p.Acquire()
	require.True(t, evicted)
	assert.Same(t, only, victim, "with no clean candidate, pass 2 must still pick the sole entry")
}

func TestDropRemovesCapacitySlot(t *testing.T) {
	p := frame.NewPool(1, false, "readonly", metrics.NewFrameUnregistered())
	e, _ := p.Acquire()
	p.Drop(e)
	assert.Equal(t, 0, p.Len())

	_, evicted := p.Acquire()
	assert.False(t, evicted, "capacity freed by Drop must allow a fresh allocation")
}

package rtpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateToExhaustion(t *testing.T) {
	p := New[int](3)
	require.Equal(t, 3, p.Capacity())

	var recs []*int
	for i := 0; i < 3; i++ {
		rec, ok := p.Allocate()
		require.True(t, ok)
		recs = append(recs, rec)
	}

	_, ok := p.Allocate()
	assert.False(t, ok, "exhausted pool must fail, not grow")
	assert.Equal(t, 0, p.FreeCount())

	for _, rec := range recs {
		p.Free(rec)
	}
	assert.Equal(t, 3, p.FreeCount())
}

func TestRecordsAreReused(t *testing.T) {
	p := New[int](1)

	first, ok := p.Allocate()
	require.True(t, ok)
	p.Free(first)

	second, ok := p.Allocate()
	require.True(t, ok)
	assert.Same(t, first, second)
}

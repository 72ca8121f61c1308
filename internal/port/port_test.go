package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNormalizeRangeBumpsConflicts(t *testing.T) {
	min, max := NormalizeRange(1, 1)
	assert.Equal(t, float32(1), min)
	assert.Equal(t, float32(1.1), max)

	min, max = NormalizeRange(5, 2)
	assert.Equal(t, float32(5), min)
	assert.Equal(t, float32(5.1), max)

	min, max = NormalizeRange(0, 1)
	assert.Equal(t, float32(0), min)
	assert.Equal(t, float32(1), max)
}

func TestNormalizeRangeInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float32Range(-1e5, 1e5).Draw(t, "min")
		b := rapid.Float32Range(-1e5, 1e5).Draw(t, "max")
		min, max := NormalizeRange(a, b)
		if min >= max {
			t.Fatalf("NormalizeRange(%v, %v) = (%v, %v), want min < max", a, b, min, max)
		}
	})
}

func TestClampControl(t *testing.T) {
	p := &Port{Min: -1, Max: 1}
	assert.Equal(t, float32(-1), p.ClampControl(-5))
	assert.Equal(t, float32(1), p.ClampControl(5))
	assert.Equal(t, float32(0.5), p.ClampControl(0.5))
}

func TestHintBits(t *testing.T) {
	h := HintToggle | HintInteger
	assert.True(t, h.Has(HintToggle))
	assert.True(t, h.Has(HintInteger))
	assert.False(t, h.Has(HintLogarithmic))
}

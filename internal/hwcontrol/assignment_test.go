package hwcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMatchUnmap(t *testing.T) {
	tbl := NewTable()

	require.NoError(t, tbl.Map(Assignment{
		DeviceID: 1, ActuatorID: 2, Label: "Gain",
		Min: -24, Max: 24, Steps: 49,
		EffectID: 0, Symbol: "gain",
	}))

	a, ok := tbl.Match(1, 2)
	require.True(t, ok)
	assert.Equal(t, "gain", a.Symbol)

	_, ok = tbl.Match(1, 3)
	assert.False(t, ok)

	require.True(t, tbl.Unmap(0, "gain"))
	_, ok = tbl.Match(1, 2)
	assert.False(t, ok)
	assert.False(t, tbl.Unmap(0, "gain"))
}

func TestRemapUpdatesInPlace(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Map(Assignment{DeviceID: 1, ActuatorID: 2, EffectID: 0, Symbol: "gain", Max: 1}))
	require.NoError(t, tbl.Map(Assignment{DeviceID: 3, ActuatorID: 4, EffectID: 0, Symbol: "gain", Max: 2}))

	_, ok := tbl.Match(1, 2)
	assert.False(t, ok, "remapping moves the assignment")
	a, ok := tbl.Match(3, 4)
	require.True(t, ok)
	assert.Equal(t, float32(2), a.Max)
}

func TestClearInstance(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Map(Assignment{DeviceID: 1, ActuatorID: 1, EffectID: 0, Symbol: "a"}))
	require.NoError(t, tbl.Map(Assignment{DeviceID: 1, ActuatorID: 2, EffectID: 7, Symbol: "b"}))

	tbl.ClearInstance(7)
	_, ok := tbl.Match(1, 1)
	assert.True(t, ok)
	_, ok = tbl.Match(1, 2)
	assert.False(t, ok)
}

func TestScaleValue(t *testing.T) {
	a := Assignment{Min: 0, Max: 10}
	assert.Equal(t, float32(0), a.ScaleValue(0))
	assert.Equal(t, float32(10), a.ScaleValue(127))
	assert.InDelta(t, 5.04, a.ScaleValue(64), 0.01)
}

func TestScaleValueSteps(t *testing.T) {
	// A stepped actuator reports a position in [0, Steps].
	a := Assignment{Min: 0, Max: 4, Steps: 4}
	assert.Equal(t, float32(0), a.ScaleValue(0))
	assert.Equal(t, float32(2), a.ScaleValue(2))
	assert.Equal(t, float32(4), a.ScaleValue(4))
	assert.Equal(t, float32(4), a.ScaleValue(99), "overshoot clamps to max")
}

package mathx

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(7, 0, 5))
	assert.Equal(t, 0, Clamp(-1, 0, 5))
	assert.Equal(t, float32(2.5), Clamp(float32(2.5), 0, 5))
	assert.Equal(t, 3, Clamp(10, 3, 1), "swapped bounds")
}

func TestBetweenMin(t *testing.T) {
	assert.True(t, Between(3, 5, 1))
	assert.False(t, Between(6, 1, 5))
	assert.Equal(t, uint16(4), Min(uint16(4), 9))
}

func TestPercentToLevel(t *testing.T) {
	assert.Equal(t, uint16(0), PercentToLevel(0, 1000))
	assert.Equal(t, uint16(1000), PercentToLevel(100, 1000))
	assert.Equal(t, uint16(1000), PercentToLevel(140, 1000))
	assert.Equal(t, uint16(0), PercentToLevel(-3, 1000))
	assert.Equal(t, uint16(333), PercentToLevel(33.3, 1000))
	assert.Equal(t, uint16(0), PercentToLevel(math32.NaN(), 1000))
	assert.InDelta(t, 33.3, LevelToPercent(333, 1000), 1e-4)
	assert.Equal(t, float32(0), LevelToPercent(5, 0))
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite(1))
	assert.False(t, Finite(math32.NaN()))
	assert.False(t, Finite(math32.Inf(1)))
}

package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicBlockContent_DistinctPerCall(t *testing.T) {
	clock := NewDeterministicClock()
	a := DeterministicBlockContent(clock, 16)
	b := DeterministicBlockContent(clock, 16)
	assert.Len(t, a, 16)
	assert.Len(t, b, 16)
	assert.NotEqual(t, a, b)
}

func TestDeterministicBlockContent_Reproducible(t *testing.T) {
	clock1 := NewDeterministicClock()
	clock2 := NewDeterministicClock()
	for i := 0; i < 5; i++ {
		assert.Equal(t, DeterministicBlockContent(clock1, 32), DeterministicBlockContent(clock2, 32))
	}
}

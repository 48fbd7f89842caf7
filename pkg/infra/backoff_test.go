package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, 2.0)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next()
		// Jitter is +/-20% of the current delay, never below the floor.
		assert.GreaterOrEqual(t, last, time.Second)
		assert.LessOrEqual(t, last, time.Duration(float64(8*time.Second)*1.2))
	}
	assert.Equal(t, 10, b.Attempts())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 2.0)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 0, b.Attempts())

	first := b.Next()
	assert.LessOrEqual(t, first, time.Duration(float64(time.Second)*1.2))
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 1000; i++ {
		v := jitter(100)
		assert.True(t, v >= 80 && v <= 120, "jitter(100) = %f, want [80, 120]", v)
	}
}

func TestAddAfterShutdownFails(t *testing.T) {
	t.Parallel()
	p := NewPool("default", nil, nil)
	p.receivedShutdownSignal = true
	assert.Error(t, p.Add(1))
	assert.Equal(t, 0, p.NumWorkers())
}

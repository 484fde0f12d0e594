package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicInt(t *testing.T) {
	t.Parallel()
	var ai AtomicInt
	assert.Equal(t, 0, ai.GetInt())
	ai.AddInt(1)
	assert.Equal(t, int64(1), ai.Get())
	ai.SetInt(32)
	assert.Equal(t, 32, ai.GetInt())
}

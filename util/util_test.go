package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConcatBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []byte("foobar"), ConcatBytes([]byte("foo"), []byte("bar")))
}

func TestIMinMax(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, IMin(5, 3, 1, 9))
	assert.Equal(t, 9, IMax(5, 3, 1, 9))
}

func TestIOrSOr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, IOr(0, 0, 3, 4))
	assert.Equal(t, "b", SOr("", "", "b", "c"))
}

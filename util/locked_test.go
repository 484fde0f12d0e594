package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRMutexLocked(t *testing.T) {
	t.Parallel()
	var l RMutexLocked
	var wg sync.WaitGroup
	wg.Add(10)
	j := 0
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			defer l.Locked()()
			defer l.Locked()() // recursive, same goroutine
			j++
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, j)
}

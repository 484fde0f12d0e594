package util

import "sync"

// SimpleWaitGroup runs a callback in its own goroutine and tracks it
// with an embedded sync.WaitGroup, so callers don't have to repeat
// the Add(1)/go/Done() boilerplate at every fan-out site.
type SimpleWaitGroup struct {
	sync.WaitGroup
}

func (self *SimpleWaitGroup) Go(cb func()) {
	self.Add(1)
	go func() {
		defer self.Done()
		cb()
	}()
}

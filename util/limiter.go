package util

import (
	"runtime"
	"sync"
)

const DefaultPerCPU = 1

// ParallelLimiter is a trivial semaphore: at most LimitTotal callbacks
// run concurrently. No package outside util uses it; Mount's
// block-size autodetection probes its candidates one at a time.
type ParallelLimiter struct {
	LimitPerCPU int
	LimitTotal  int

	lock        MutexLocked
	cond        sync.Cond
	running     int
	initialized bool
}

func (self *ParallelLimiter) init() {
	if self.LimitTotal == 0 {
		if self.LimitPerCPU == 0 {
			self.LimitPerCPU = DefaultPerCPU
		}
		self.LimitTotal = runtime.NumCPU() * self.LimitPerCPU
	}
	self.cond.L = (*sync.Mutex)(&self.lock)
	self.initialized = true
}

func (self *ParallelLimiter) Limited2(count int) func() {
	defer self.lock.Locked()()
	if !self.initialized {
		self.init()
	}
	for (self.running + count) > self.LimitTotal {
		self.cond.Wait()
	}
	self.running += count
	return func() {
		defer self.lock.Locked()()
		self.running -= count
		self.cond.Signal()
	}
}

func (self *ParallelLimiter) Limited() func() {
	return self.Limited2(1)
}

func (self *ParallelLimiter) Go(cb func()) {
	unlock := self.Limited()
	go func() {
		defer unlock()
		cb()
	}()
}

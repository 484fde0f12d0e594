package util

import (
	"sync"
	"sync/atomic"

	"github.com/fingon/go-plfs/util/gid"
)

// MutexLocked is a sync.Mutex with a defer-friendly API: defer
// x.Locked()().
type MutexLocked sync.Mutex

func (self *MutexLocked) Locked() (unlock func()) {
	m := (*sync.Mutex)(self)
	m.Lock()
	return m.Unlock
}

// RMutexLocked is a goroutine-recursive mutex. It is used sparingly
// (identifying the current goroutine costs a stack unwind), but is
// what lets a directory-tree operation call back into a helper that
// itself wants the same in-process guard the caller already holds.
type RMutexLocked struct {
	mut      sync.Mutex
	ownerMut sync.Mutex
	owner    uint64
	depth    int64
}

func (self *RMutexLocked) Lock() {
	g := gid.Current()
	if atomic.LoadUint64(&self.owner) == g {
		self.ownerMut.Lock()
		if self.owner == g {
			self.depth++
			self.ownerMut.Unlock()
			return
		}
		self.ownerMut.Unlock()
	}
	self.mut.Lock()
	atomic.StoreUint64(&self.owner, g)
	self.ownerMut.Lock()
	self.depth = 1
	self.ownerMut.Unlock()
}

func (self *RMutexLocked) Unlock() {
	self.ownerMut.Lock()
	self.depth--
	if self.depth == 0 {
		atomic.StoreUint64(&self.owner, 0)
		self.mut.Unlock()
	}
	self.ownerMut.Unlock()
}

func (self *RMutexLocked) Locked() (unlock func()) {
	self.Lock()
	return self.Unlock
}

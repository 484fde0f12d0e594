package util

import (
	"sync/atomic"
	"unsafe"
)

// AtomicPointer provides typesafe atomic get/set/CAS over *T, the
// generic replacement for the teacher package's per-type
// XXXAtomicPointer codegen. No package outside util uses it.
type AtomicPointer[T any] struct {
	pointer unsafe.Pointer
}

func (self *AtomicPointer[T]) Get() *T {
	return (*T)(atomic.LoadPointer(&self.pointer))
}

func (self *AtomicPointer[T]) Set(value *T) {
	atomic.StorePointer(&self.pointer, unsafe.Pointer(value))
}

func (self *AtomicPointer[T]) CompareAndSwap(old, new *T) bool {
	return atomic.CompareAndSwapPointer(&self.pointer, unsafe.Pointer(old), unsafe.Pointer(new))
}

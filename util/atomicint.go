package util

import "sync/atomic"

// AtomicInt is a lock-free int64 counter. No package outside util
// uses it.
type AtomicInt int64

func (self *AtomicInt) Get() int64        { return atomic.LoadInt64((*int64)(self)) }
func (self *AtomicInt) GetInt() int       { return int(self.Get()) }
func (self *AtomicInt) Add(v int64)       { atomic.AddInt64((*int64)(self), v) }
func (self *AtomicInt) AddInt(v int)      { self.Add(int64(v)) }
func (self *AtomicInt) Set(v int64)       { atomic.StoreInt64((*int64)(self), v) }
func (self *AtomicInt) SetInt(v int)      { self.Set(int64(v)) }

// Package gid extracts the current goroutine id from the runtime
// stack trace, the only way to get at it without cgo. It exists
// purely so mlog can tag trace lines and RMutexLocked can recognize
// re-entrant ownership.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's id. Parses "goroutine N ["
// off the front of runtime.Stack output; see
// http://blog.sgmansfield.com/2015/12/goroutine-ids/ for the
// technique.
func Current() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

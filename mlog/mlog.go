// Package mlog is a maybe-log: a thin wrapper around the standard
// log package that is free when disabled and, when enabled via the
// PLFS_LOG environment variable or -mlog flag, indents each line by
// call-stack depth and, when ShowGoroutineID is set, tags it with the
// emitting goroutine id. Every
// hot path in the filesystem core calls Printf2 with its own package
// tag so a developer can turn on tracing for exactly one subsystem
// (e.g. "plfs/mdir") without drowning in output from the rest.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-plfs/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

var flagPattern = flag.String("mlog", "", "enable logging for package tags matching this regexp")
var pattern string
var patternRegexp *regexp.Regexp
var seen map[string]*bool

const maxDepth = 100

var minDepth int
var callers []uintptr

// ShowGoroutineID controls whether emitted lines are prefixed with
// the id of the goroutine that logged them; useful when several
// commits interleave in traces, off by default in single-writer runs.
var ShowGoroutineID = false

func init() {
	Reset()
}

// Reset restores factory defaults; subsequent calls to Printf will
// re-read PLFS_LOG / -mlog on first use.
func Reset() {
	mutex.Lock()
	defer mutex.Unlock()
	atomic.StoreInt32(&status, stateUninitialized)
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled reports whether tracing is switched on at all, so callers
// can skip building expensive debug strings.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the *log.Logger tracing is written to, and
// returns a function that restores the previous one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// SetPattern overrides the tag-matching regexp by hand, returning a
// function that restores the previous pattern.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	setPatternLocked(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		setPatternLocked(old)
	}
}

func setPatternLocked(p string) {
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		pattern = p
		return
	}
	patternRegexp = regexp.MustCompile(p)
	seen = make(map[string]*bool)
	pattern = p
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("PLFS_LOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	setPatternLocked(p)
}

// Printf is a drop-in for log.Printf; it pays for runtime.Caller only
// when tracing is enabled at all.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is Printf with an explicit tag instead of the caller's file
// name; every call site in this repo passes its own package/file tag
// so a partial -mlog match carries no per-call runtime.Caller cost.
func Printf2(tag string, format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	mutex.Lock()
	st := atomic.LoadInt32(&status)
	if st < stateDisabled {
		initialize()
		st = atomic.LoadInt32(&status)
		if st <= stateDisabled {
			mutex.Unlock()
			return
		}
	}
	on := seen[tag]
	if on == nil {
		match := patternRegexp.MatchString(tag)
		seen[tag] = &match
		on = &match
	}
	if *on {
		depth := 0
		n := runtime.Callers(1, callers)
		if n < minDepth {
			minDepth = n
		}
		depth = n - minDepth
		if depth > 0 {
			format = strings.Repeat(".", depth) + format
		}
		if ShowGoroutineID {
			format = fmt.Sprintf("%8d %s", gid.Current(), format)
		}
		logger.Printf(format, args...)
	}
	mutex.Unlock()
}

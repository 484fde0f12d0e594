package mlog

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMlog(t *testing.T) {
	add := func(pattern string, outputted bool) {
		t.Run(pattern, func(t *testing.T) {
			var b bytes.Buffer
			logger := log.New(&b, "", 0)
			defer SetLogger(logger)()
			defer SetPattern(pattern)()
			Printf2("mlog_test", "foo %s", "bar")
			if outputted {
				assert.Equal(t, "foo bar\n", b.String())
			} else {
				assert.Empty(t, b.String())
			}
		})
	}
	add("", false)
	add("zzzglorb", false)
	add("mlog_test", true)
}

func TestMlogRecursion(t *testing.T) {
	var b bytes.Buffer
	logger := log.New(&b, "", 0)
	Reset()
	defer SetLogger(logger)()
	defer SetPattern(".")()
	Printf2("x", "d0")
	func() {
		Printf2("x", "d1")
		func() {
			Printf2("x", "d2")
		}()
		Printf2("x", "D1")
	}()
	Printf2("x", "D0")
	assert.Equal(t, "d0\n.d1\n..d2\n.D1\nD0\n", b.String())
}

func BenchmarkMlogDisabled(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf2("x", "y")
	}
}

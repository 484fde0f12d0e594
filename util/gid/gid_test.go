package gid

import "testing"

func BenchmarkCurrent(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Current()
	}
}

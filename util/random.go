package util

import (
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// SeededRand returns a *rand.Rand seeded from $PLFS_SEED if set,
// otherwise from the current time. No package outside util calls it;
// the allocator's starting offset comes from a hash of the superblock
// (see Mount), not from this.
func SeededRand() *rand.Rand {
	seedvalue := time.Now().UnixNano()
	if s := os.Getenv("PLFS_SEED"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			log.Panic(err)
		}
		seedvalue = v
	}
	return rand.New(rand.NewSource(seedvalue))
}

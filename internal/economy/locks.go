package economy

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// keyedLocks serializes work per player id. Ids hash onto a fixed set of
// stripes; multi-player operations take their stripes in ascending order so
// two operations can never wait on each other.
type keyedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(id string) int {
	return int(xxhash.Sum64String(id) % lockStripes)
}

// lock acquires the stripes for ids and returns the matching unlock.
func (k *keyedLocks) lock(ids ...string) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		idx = append(idx, stripeOf(id))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		k.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			k.stripes[idx[j]].Unlock()
		}
	}
}

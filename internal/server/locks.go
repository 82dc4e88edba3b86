package server

import (
	"hash/fnv"
	"sync"
)

// keyedLocks serializes operations on the same identifier across
// connections. Striping bounds memory; unrelated keys rarely collide.
type keyedLocks struct {
	stripes []sync.Mutex
}

func newKeyedLocks(n int) *keyedLocks {
	if n <= 0 {
		n = 64
	}
	return &keyedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *keyedLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	stripe := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	stripe.Lock()
	return stripe.Unlock
}

package queue

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits for it.
type keyedMutex struct {
	m *xsync.MapOf[string, *refMutex]
}

type refMutex struct {
	mu   sync.Mutex
	refs int // guarded by the map bucket lock inside Compute
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{m: xsync.NewMapOf[string, *refMutex]()}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	e, _ := k.m.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
		if !loaded {
			old = &refMutex{}
		}
		old.refs++
		return old, false
	})
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.m.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

func (k *keyedMutex) size() int {
	return k.m.Size()
}

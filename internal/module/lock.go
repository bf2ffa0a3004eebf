package module

import (
	"fmt"
	"sync"
)

// RecursiveLock is a mutex that its owner may acquire again. Owners are
// identified by thread id.
type RecursiveLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	depth int
}

func (l *RecursiveLock) Lock(owner uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	for l.depth > 0 && l.owner != owner {
		l.cond.Wait()
	}
	l.owner = owner
	l.depth++
}

func (l *RecursiveLock) Unlock(owner uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 || l.owner != owner {
		panic(fmt.Sprintf("module: unlock by %d of lock held by %d (depth %d)", owner, l.owner, l.depth))
	}
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		if l.cond != nil {
			l.cond.Signal()
		}
	}
}

// OwnedBy reports whether owner currently holds the lock.
func (l *RecursiveLock) OwnedBy(owner uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == owner
}

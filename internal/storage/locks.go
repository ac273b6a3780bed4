package storage

import (
	"sync"

	"github.com/relves/mdk/pkg/types"
)

// GroupLocks hands out a read-write lock per group. Snapshot creation and
// scoped reads take the shared side; restore and scoped writes take the
// exclusive side. Locks of different groups never contend.
type GroupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sync.RWMutex
	refs int
}

func (l *GroupLocks) acquire(id types.GroupID) *groupLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*groupLock)
	}
	gl, ok := l.locks[id.Key()]
	if !ok {
		gl = &groupLock{}
		l.locks[id.Key()] = gl
	}
	gl.refs++
	return gl
}

func (l *GroupLocks) release(id types.GroupID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gl := l.locks[id.Key()]
	gl.refs--
	if gl.refs == 0 {
		delete(l.locks, id.Key())
	}
}

// RLock takes the shared side of the group's lock.
func (l *GroupLocks) RLock(id types.GroupID) (unlock func()) {
	key := id.Clone()
	gl := l.acquire(key)
	gl.RLock()
	return func() {
		gl.RUnlock()
		l.release(key)
	}
}

// Lock takes the exclusive side of the group's lock.
func (l *GroupLocks) Lock(id types.GroupID) (unlock func()) {
	key := id.Clone()
	gl := l.acquire(key)
	gl.Lock()
	return func() {
		gl.Unlock()
		l.release(key)
	}
}

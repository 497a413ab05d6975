package register

import (
	"sync"

	"github.com/google/uuid"
)

// entryLocks serializes in-process mutations per register entry. Mutations on
// different entries never block each other; the repository's version counter
// covers writers in other processes.
type entryLocks struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// acquire locks the mutex for the given entry and returns its unlock func.
func (l *entryLocks) acquire(entryID uuid.UUID) func() {
	v, _ := l.locks.LoadOrStore(entryID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

package register

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestEntryLocks_SerializesSameEntry(t *testing.T) {
	var locks entryLocks
	entryID := uuid.New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.acquire(entryID)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100, got %d (lost update)", counter)
	}
}

func TestEntryLocks_IndependentEntries(t *testing.T) {
	var locks entryLocks
	a, b := uuid.New(), uuid.New()

	unlockA := locks.acquire(a)
	defer unlockA()

	// acquiring b must not block while a is held
	done := make(chan struct{})
	go func() {
		unlockB := locks.acquire(b)
		unlockB()
		close(done)
	}()
	<-done
}

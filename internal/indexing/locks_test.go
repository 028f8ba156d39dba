package indexing

import (
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.lock("m-1")

	acquired := make(chan struct{})
	go func() {
		second := km.lock("m-1")
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.lock("m-1")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlockB := km.lock("m-2")
		close(acquired)
		unlockB()
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("different key should not block")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.lock("m-1")
	unlock()

	km.mu.Lock()
	n := len(km.held)
	km.mu.Unlock()
	if n != 0 {
		t.Errorf("held entries = %d, want 0 after release", n)
	}
}

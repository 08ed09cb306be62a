package realtime

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerialisesSameKeyAndForgetsIdleKeys(t *testing.T) {
	locks := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for index := 0; index < 50; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock("note-1")
			counter++
			release()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if locks.size() != 0 {
		t.Fatalf("expected idle keys to be released, got %d", locks.size())
	}
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	locks := newKeyedMutex()
	releaseFirst := locks.Lock("note-1")
	defer releaseFirst()

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("note-2")
		release()
		close(acquired)
	}()
	<-acquired
}

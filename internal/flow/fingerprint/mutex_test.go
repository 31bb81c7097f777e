package fingerprint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusionPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "fp1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrent holders: got %d want 1", maxSeen.Load())
	}
	if km.Len() != 0 {
		t.Fatalf("entries should be reclaimed, got %d", km.Len())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	u1, err := km.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer u1()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := km.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b should not block on a: %v", err)
	}
	u2()
}

func TestKeyedMutex_LockRespectsContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); err == nil {
		t.Fatalf("second lock should fail when ctx expires")
	}
	unlock()
	if km.Len() != 0 {
		t.Fatalf("entries should be reclaimed after cancelled waiter, got %d", km.Len())
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()
	unlock, ok := km.TryLock("k")
	if !ok {
		t.Fatalf("first TryLock should succeed")
	}
	if _, ok := km.TryLock("k"); ok {
		t.Fatalf("second TryLock should fail while held")
	}
	unlock()
	u2, ok := km.TryLock("k")
	if !ok {
		t.Fatalf("TryLock should succeed after release")
	}
	u2()
}

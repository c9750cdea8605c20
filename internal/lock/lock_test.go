package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "app")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if held := l.Held("app"); held != 0 {
		t.Fatalf("expected idle entry to be reclaimed, refs=%d", held)
	}
}

func TestLocalDistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	releaseA, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := l.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b while a held: %v", err)
	}
	releaseB()
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "app"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if held := l.Held("app"); held != 1 {
		t.Fatalf("waiter should drop its reference, refs=%d", held)
	}
}

func TestLocalReleaseIsIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := l.Acquire(ctx, "app")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

type countingLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	fail     error
	name     string
}

func (c *countingLocker) Acquire(_ context.Context, key string) (func(), error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.mu.Lock()
	c.acquired = append(c.acquired, c.name+":"+key)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.released = append(c.released, c.name+":"+key)
		c.mu.Unlock()
	}, nil
}

func TestChainReleasesOnPartialFailure(t *testing.T) {
	first := &countingLocker{name: "first"}
	second := &countingLocker{name: "second", fail: ErrLockTimeout}
	chain := Chain{first, second}

	if _, err := chain.Acquire(context.Background(), "app"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected second locker error, got %v", err)
	}
	if len(first.acquired) != 1 || len(first.released) != 1 {
		t.Fatalf("first locker should be released after failure, got %+v", first)
	}
}

func TestChainAcquiresInOrder(t *testing.T) {
	first := &countingLocker{name: "first"}
	second := &countingLocker{name: "second"}
	release, err := Chain{first, second}.Acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(second.released) != 0 {
		t.Fatalf("nothing should be released yet")
	}
	release()
	release()
	if len(first.released) != 1 || len(second.released) != 1 {
		t.Fatalf("expected one release each, got first=%v second=%v", first.released, second.released)
	}
}

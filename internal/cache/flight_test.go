package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupCoalescesConcurrentCalls(t *testing.T) {
	var g Group[string]
	var calls int32

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err := g.Do("key", func() (string, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(50 * time.Millisecond)
				return "value", nil
			})
			if err != nil {
				t.Errorf("Do returned error: %v", err)
			}
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fn called %d times for concurrent callers, want 1", n)
	}
	for i, v := range results {
		if v != "value" {
			t.Errorf("caller %d got %q, want value", i, v)
		}
	}
}

func TestGroupRetriesAfterFailure(t *testing.T) {
	var g Group[string]
	var calls int32
	boom := errors.New("boom")

	_, err := g.Do("key", func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("first Do error = %v, want boom", err)
	}

	v, err := g.Do("key", func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("second Do = %q, %v; want ok, nil", v, err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2 (failure must not pin the key)", calls)
	}
}

func TestGroupDistinctKeysRunIndependently(t *testing.T) {
	var g Group[int]
	var calls int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _ = g.Do(key, func() (int, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return 1, nil
			})
		}(key)
	}
	wg.Wait()

	if calls != 2 {
		t.Fatalf("fn called %d times for two keys, want 2", calls)
	}
}

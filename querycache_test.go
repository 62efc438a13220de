package matcha

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCached_LoadsOnceThenHits(t *testing.T) {
	c := NewQueryCache()
	var calls int
	load := func(context.Context) ([]int, error) {
		calls++
		return []int{1, 2}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Cached(context.Background(), c, "numbers", load)
		if err != nil {
			t.Fatalf("Cached: %v", err)
		}
		assert.Equal(t, got, []int{1, 2})
	}
	assert.Equal(t, calls, 1)

	c.Invalidate("numbers")
	_, _ = Cached(context.Background(), c, "numbers", load)
	assert.Equal(t, calls, 2)
}

func TestCached_ErrorIsNotCached(t *testing.T) {
	c := NewQueryCache()
	fail := true
	load := func(context.Context) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	if _, err := Cached(context.Background(), c, "k", load); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed load was cached")
	}
	fail = false
	got, err := Cached(context.Background(), c, "k", load)
	if err != nil {
		t.Fatalf("Cached: %v", err)
	}
	assert.Equal(t, got, "ok")
}

func TestCached_ConcurrentMissesShareOneLoad(t *testing.T) {
	c := NewQueryCache()
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Cached(context.Background(), c, "shared", load)
			if err != nil || v != 7 {
				t.Errorf("Cached = %d, %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, calls.Load(), int32(1))
}

func TestCached_InvalidationDuringLoadDiscardsResult(t *testing.T) {
	c := NewQueryCache()
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		close(started)
		<-release
		return "stale", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Cached(context.Background(), c, ChatKey(1), load)
	}()
	<-started
	c.Invalidate(ChatKey(1))
	close(release)
	<-done

	if _, ok := c.Get(ChatKey(1)); ok {
		t.Fatal("load that raced an invalidation was stored")
	}
}

func TestQueryCache_InvalidatePrefix(t *testing.T) {
	c := NewQueryCache()
	c.Put(ChatKey(1), "a")
	c.Put(ChatKey(2), "b")
	c.Put(KeyPeers, "c")

	var mu sync.Mutex
	dropped := map[QueryKey]bool{}
	c.OnInvalidate(func(k QueryKey) {
		mu.Lock()
		dropped[k] = true
		mu.Unlock()
	})

	c.InvalidatePrefix("chat/")
	assert.Equal(t, dropped, map[QueryKey]bool{ChatKey(1): true, ChatKey(2): true})
	if _, ok := c.Get(KeyPeers); !ok {
		t.Fatal("unrelated key was dropped")
	}
}

func TestQueryCache_RouterInvalidates(t *testing.T) {
	c := NewQueryCache()
	c.Put(ChatKey(4), []ChatMessage{{UserID: 4, Value: "hi"}})
	screens := &ScreenTracker{}
	screens.Set(Screen{Kind: ScreenConversation, PeerID: 4})

	r := NewRouter(screens, nil, nil, c)
	r.HandleFrame("NEW_CHAT,4")

	if _, ok := c.Get(ChatKey(4)); ok {
		t.Fatal("router did not invalidate the open conversation")
	}
}

func TestCached_CanceledCallerDoesNotFailSharedLoad(t *testing.T) {
	c := NewQueryCache()
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "peers", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Cached(first, c, KeyPeers, load)
		firstErr <- err
	}()
	<-started

	second := make(chan error, 1)
	var got string
	go func() {
		var err error
		got, err = Cached(context.Background(), c, KeyPeers, load)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first Cached = %v, want canceled", err)
	}
	close(release)

	if err := <-second; err != nil {
		t.Fatalf("second Cached: %v", err)
	}
	assert.Equal(t, got, "peers")
	if _, ok := c.Get(KeyPeers); !ok {
		t.Fatal("shared load was not stored")
	}
}

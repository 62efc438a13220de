package matcha

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"pgregory.net/rapid"
)

func newTestFeed(src FeedSource) (*Feed, *FeedCache, *OptionsStore) {
	cache := NewFeedCache(src)
	store := NewOptionsStore(nil)
	return NewFeed(cache, store, ModeBrowse), cache, store
}

type blockerFunc func(ctx context.Context, id int) error

func (f blockerFunc) Block(ctx context.Context, id int) error { return f(ctx, id) }

func TestShouldPrefetch(t *testing.T) {
	assert.Equal(t, ShouldPrefetch(0, 0), false)
	assert.Equal(t, ShouldPrefetch(0, 1), false)
	assert.Equal(t, ShouldPrefetch(0, 2), true)
	assert.Equal(t, ShouldPrefetch(1, 2), false)
	assert.Equal(t, ShouldPrefetch(2, 4), true)
	assert.Equal(t, ShouldPrefetch(3, 4), false)
}

func TestShouldPrefetch_OncePerView(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(0, 50).Draw(t, "length")
		hits := 0
		for cursor := 0; cursor < length; cursor++ {
			if ShouldPrefetch(cursor, length) {
				hits++
			}
		}
		want := 0
		if length >= 2 {
			want = 1
		}
		if hits != want {
			t.Fatalf("length %d: %d trigger positions, want %d", length, hits, want)
		}
	})
}

func TestFeed_LoadAndWalk(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2, 3, 4), pageOf(5, 6)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	assert.Equal(t, f.State(), FeedLoading)
	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, f.State(), FeedReady)
	p, ok := f.Current()
	assert.Equal(t, ok, true)
	assert.Equal(t, p.ID, 1)

	// No prefetch before the cursor reaches the second-to-last profile.
	_ = f.Next(context.Background())
	assert.Equal(t, f.Cursor(), 1)
	assert.Equal(t, src.calls.Load(), int32(1))

	_ = f.Next(context.Background())
	assert.Equal(t, f.Cursor(), 2)
	waitFor(t, "prefetch at the second-to-last profile", func() bool { return cache.Prefetched(f.Fingerprint()) })

	_ = f.Next(context.Background())
	if err := f.Next(context.Background()); err != nil {
		t.Fatalf("Next past the end: %v", err)
	}
	assert.Equal(t, f.Cursor(), 0)
	assert.Equal(t, ids(f.View()), []int{5, 6})
}

func TestFeed_SingleProfileDoesNotPrefetch(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	assert.Equal(t, cache.Prefetched(f.Fingerprint()), false)
	assert.Equal(t, src.calls.Load(), int32(1))
}

func TestFeed_Exhausted(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	if err := f.Next(context.Background()); !errors.Is(err, ErrFeedExhausted) {
		t.Fatalf("Next = %v, want ErrFeedExhausted", err)
	}
	assert.Equal(t, f.State(), FeedExhausted)
	if err := f.Next(context.Background()); !errors.Is(err, ErrFeedExhausted) {
		t.Fatalf("Next = %v, want ErrFeedExhausted", err)
	}
	assert.Equal(t, src.calls.Load(), int32(2))
}

func TestFeed_EmptyAndNoMatches(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{{}}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	assert.Equal(t, f.State(), FeedEmpty)
	_, ok := f.Current()
	assert.Equal(t, ok, false)

	far := []Profile{{ID: 1, Distance: 500}, {ID: 2, Distance: 900}}
	src2 := &pagedSource{pages: [][]Profile{far}}
	f2, cache2, _ := newTestFeed(src2)
	defer cache2.Close()
	_ = f2.Load(context.Background())
	assert.Equal(t, f2.State(), FeedNoMatches)
	assert.Equal(t, f2.Cursor(), 0)
}

func TestFeed_SortCommitRecomposesWithoutFetching(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{{
		{ID: 1, Age: 40},
		{ID: 2, Age: 20},
		{ID: 3, Age: 30},
		{ID: 4, Age: 50},
	}}}
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	_ = f.Next(context.Background())
	assert.Equal(t, f.Cursor(), 1)

	store.SetSortField(SortAge)
	if _, err := store.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	assert.Equal(t, f.Cursor(), 0)
	assert.Equal(t, ids(f.View()), []int{2, 3, 1, 4})
	assert.Equal(t, src.calls.Load(), int32(1))
}

func TestFeed_FilterCommitClampsView(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{{
		{ID: 1, Distance: 10},
		{ID: 2, Distance: 60},
		{ID: 3, Distance: 90},
	}}}
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	_ = f.Next(context.Background())
	_ = f.Next(context.Background())

	store.SetMaxDistance(50)
	_, _ = store.Commit(context.Background())
	assert.Equal(t, ids(f.View()), []int{1})
	assert.Equal(t, f.Cursor(), 0)
	assert.Equal(t, f.State(), FeedReady)
}

func TestFeed_FingerprintChangeResets(t *testing.T) {
	src := FeedSourceFunc(func(_ context.Context, fp Fingerprint) ([]Profile, error) {
		return pageOf(fp.AgeMin, fp.AgeMin+1, fp.AgeMin+2), nil
	})
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	_ = f.Next(context.Background())
	assert.Equal(t, f.Cursor(), 1)

	store.SetAgeRange(Range{25, 35})
	_, _ = store.Commit(context.Background())
	assert.Equal(t, f.State(), FeedLoading)
	assert.Equal(t, f.Cursor(), 0)
	assert.Equal(t, f.Fingerprint().AgeMin, 25)

	_ = f.Load(context.Background())
	assert.Equal(t, ids(f.View()), []int{25, 26, 27})
}

func TestFeed_ErrorThenRetry(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2)}, err: errors.New("bad gateway")}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	if err := f.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	assert.Equal(t, f.State(), FeedError)
	if f.Err() == nil {
		t.Fatal("Err() is nil in FeedError")
	}
	// Next does not refetch on its own.
	_ = f.Next(context.Background())
	assert.Equal(t, src.calls.Load(), int32(1))

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	if err := f.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	assert.Equal(t, f.State(), FeedReady)
	assert.Equal(t, ids(f.View()), []int{1, 2})
}

func TestFeed_InvalidationReloads(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2, 3, 4), pageOf(7, 8, 9)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	_ = f.Next(context.Background())
	cache.Invalidate(f.Fingerprint())
	assert.Equal(t, f.State(), FeedLoading)
	assert.Equal(t, f.Cursor(), 0)

	_ = f.Next(context.Background())
	assert.Equal(t, ids(f.View()), []int{7, 8, 9})
}

func TestFeed_RemoveCurrent(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2, 3)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	_ = f.Next(context.Background())
	p, ok := f.RemoveCurrent()
	assert.Equal(t, ok, true)
	assert.Equal(t, p.ID, 2)

	cur, _ := f.Current()
	assert.Equal(t, cur.ID, 3)
	active, _ := cache.Active(f.Fingerprint())
	assert.Equal(t, ids(active), []int{1, 3})
}

func TestFeed_BlockCurrent(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(4, 5, 6)}}
	f, cache, _ := newTestFeed(src)
	defer cache.Close()
	_ = f.Load(context.Background())

	refuse := blockerFunc(func(context.Context, int) error { return &APIError{Status: 400, Detail: "nope"} })
	if _, err := f.BlockCurrent(context.Background(), refuse); err == nil {
		t.Fatal("expected block error")
	}
	assert.Equal(t, ids(f.View()), []int{4, 5, 6})

	var blocked []int
	accept := blockerFunc(func(_ context.Context, id int) error {
		blocked = append(blocked, id)
		return nil
	})
	p, err := f.BlockCurrent(context.Background(), accept)
	if err != nil {
		t.Fatalf("BlockCurrent: %v", err)
	}
	assert.Equal(t, p.ID, 4)
	assert.Equal(t, blocked, []int{4})
	assert.Equal(t, ids(f.View()), []int{5, 6})
}

func TestFeed_SortCommitKeepsExhausted(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{{{ID: 1, Age: 30}, {ID: 2, Age: 20}}}}
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	ctx := context.Background()
	_ = f.Load(ctx)
	_ = f.Next(ctx)
	if err := f.Next(ctx); !errors.Is(err, ErrFeedExhausted) {
		t.Fatalf("Next = %v, want ErrFeedExhausted", err)
	}

	store.SetSortField(SortAge)
	_, _ = store.Commit(ctx)

	assert.Equal(t, f.State(), FeedExhausted)
	assert.Equal(t, cache.Exhausted(f.Fingerprint()), true)
	assert.Equal(t, ids(f.View()), []int{2, 1})
	assert.Equal(t, f.Cursor(), 0)
	if err := f.Next(ctx); !errors.Is(err, ErrFeedExhausted) {
		t.Fatalf("Next after sort commit = %v, want ErrFeedExhausted", err)
	}
}

func TestFeed_FilterCommitKeepsError(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2, 3, 4)}}
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	ctx := context.Background()
	_ = f.Load(ctx)
	src.mu.Lock()
	src.err = errors.New("bad gateway")
	src.mu.Unlock()
	for i := 0; i < 4; i++ {
		_ = f.Next(ctx)
	}
	assert.Equal(t, f.State(), FeedError)

	store.SetMinTags(1)
	_, _ = store.Commit(ctx)
	assert.Equal(t, f.State(), FeedError)
	if f.Err() == nil {
		t.Fatal("filter commit cleared the error")
	}
}

func TestFeed_CloseDetaches(t *testing.T) {
	src := &pagedSource{pages: [][]Profile{pageOf(1, 2, 3, 4)}}
	f, cache, store := newTestFeed(src)
	defer cache.Close()

	_ = f.Load(context.Background())
	fp := f.Fingerprint()
	f.Close()

	store.SetAgeRange(Range{30, 40})
	_, _ = store.Commit(context.Background())
	cache.Invalidate(fp)

	assert.Equal(t, f.State(), FeedReady)
	assert.Equal(t, f.Fingerprint(), fp)
	assert.Equal(t, len(f.View()), 4)
}

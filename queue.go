package matcha

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// FeedState is what a feed view should render.
type FeedState string

const (
	FeedLoading   FeedState = "loading"
	FeedReady     FeedState = "ready"
	FeedEmpty     FeedState = "empty"      // the source returned no profiles
	FeedNoMatches FeedState = "no_matches" // profiles were fetched but none pass the filters
	FeedExhausted FeedState = "exhausted"
	FeedError     FeedState = "error"
)

// ShouldPrefetch reports whether the cursor sits on the second-to-last item
// of a composed view of the given length.
func ShouldPrefetch(cursor, length int) bool {
	return length >= 2 && cursor == length-2
}

// Blocker blocks a profile server side. *Client implements it.
type Blocker interface {
	Block(ctx context.Context, id int) error
}

// Feed walks the composed view of a FeedCache for the committed options of
// an OptionsStore. The view is always Compose(active page, committed sort,
// committed filters) and the cursor always points inside it.
type Feed struct {
	cache *FeedCache
	store *OptionsStore
	mode  FeedMode

	mu            sync.Mutex
	committed     Committed
	fp            Fingerprint
	active        []Profile
	view          []Profile
	cursor        int
	state         FeedState
	err           error
	advanceFailed bool

	unsubscribe []func()
}

// NewFeed creates a feed following the committed options of store.
func NewFeed(cache *FeedCache, store *OptionsStore, mode FeedMode) *Feed {
	committed := store.Committed()
	f := &Feed{
		cache:     cache,
		store:     store,
		mode:      mode,
		committed: committed,
		fp:        committed.Fingerprint(mode),
		state:     FeedLoading,
	}
	f.unsubscribe = []func(){
		store.OnCommit(f.onCommit),
		cache.OnInvalidate(f.onInvalidate),
	}
	return f
}

// Close detaches the feed from its store and cache. A closed feed no longer
// follows commits or invalidations.
func (f *Feed) Close() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
}

func (f *Feed) onCommit(c Committed) {
	fp := c.Fingerprint(f.mode)

	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.committed
	f.committed = c
	if fp != f.fp {
		f.fp = fp
		f.cursor = 0
		f.active, f.view = nil, nil
		f.state, f.err = FeedLoading, nil
		f.advanceFailed = false
		f.cache.ResetExhausted(fp)
		glog.V(1).Infof("[feed]fingerprint changed to %s\n", fp)
		return
	}
	if c.Sort() != prev.Sort() || c.Filters() != prev.Filters() {
		f.cursor = 0
		switch {
		case f.active == nil:
		case f.state == FeedExhausted || f.state == FeedError:
			// Only a new fingerprint or Retry leaves these states.
			f.composeLocked()
		default:
			f.recomposeLocked()
		}
	}
}

func (f *Feed) onInvalidate(fp Fingerprint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp != f.fp {
		return
	}
	f.active, f.view = nil, nil
	f.cursor = 0
	f.state, f.err = FeedLoading, nil
}

// composeLocked rebuilds the view from the active page and clamps the
// cursor into it.
func (f *Feed) composeLocked() {
	f.view = Compose(f.active, f.committed.Sort(), f.committed.Filters())
	f.cursor = min(max(f.cursor, 0), max(len(f.view)-1, 0))
}

// recomposeLocked is composeLocked plus the state the new view implies.
func (f *Feed) recomposeLocked() {
	f.composeLocked()
	switch {
	case len(f.active) == 0:
		f.state = FeedEmpty
	case len(f.view) == 0:
		f.state = FeedNoMatches
	default:
		f.state = FeedReady
	}
}

// prefetchLocked returns the fingerprint to prefetch for, if the cursor is
// on the trigger position.
func (f *Feed) prefetchLocked() (Fingerprint, bool) {
	return f.fp, f.state == FeedReady && ShouldPrefetch(f.cursor, len(f.view))
}

func (f *Feed) prefetch(fp Fingerprint, ok bool) {
	if ok {
		f.cache.Prefetch(fp)
	}
}

// Load fetches the active page for the committed options if needed and
// composes it. A failure leaves the feed in FeedError until Retry or a new
// commit.
func (f *Feed) Load(ctx context.Context) error {
	f.mu.Lock()
	fp := f.fp
	f.mu.Unlock()

	page, err := f.cache.Ensure(ctx, fp)

	f.mu.Lock()
	if fp != f.fp {
		// A commit landed while fetching; its own Load takes over.
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		f.state, f.err = FeedError, err
		f.advanceFailed = false
		f.mu.Unlock()
		return err
	}
	f.active = page
	f.err = nil
	f.recomposeLocked()
	next, ok := f.prefetchLocked()
	f.mu.Unlock()

	f.prefetch(next, ok)
	return nil
}

// Next moves the cursor forward. Past the end of the view the cache is
// advanced to the next page; ErrFeedExhausted means there is nothing left.
func (f *Feed) Next(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case FeedLoading:
		f.mu.Unlock()
		return f.Load(ctx)
	case FeedError:
		err := f.err
		f.mu.Unlock()
		return err
	case FeedExhausted:
		f.mu.Unlock()
		return ErrFeedExhausted
	}
	if f.cursor+1 < len(f.view) {
		f.cursor++
		next, ok := f.prefetchLocked()
		f.mu.Unlock()
		f.prefetch(next, ok)
		return nil
	}
	fp := f.fp
	f.mu.Unlock()

	return f.advance(ctx, fp)
}

func (f *Feed) advance(ctx context.Context, fp Fingerprint) error {
	page, err := f.cache.Advance(ctx, fp)

	f.mu.Lock()
	if fp != f.fp {
		f.mu.Unlock()
		return nil
	}
	switch {
	case errors.Is(err, ErrFeedExhausted):
		f.state = FeedExhausted
		f.mu.Unlock()
		return err
	case err != nil:
		f.state, f.err = FeedError, err
		f.advanceFailed = true
		f.mu.Unlock()
		return err
	}
	f.active = page
	f.cursor = 0
	f.err = nil
	f.advanceFailed = false
	f.recomposeLocked()
	next, ok := f.prefetchLocked()
	f.mu.Unlock()

	f.prefetch(next, ok)
	return nil
}

// Retry repeats the operation that put the feed in FeedError.
func (f *Feed) Retry(ctx context.Context) error {
	f.mu.Lock()
	if f.state != FeedError {
		f.mu.Unlock()
		return nil
	}
	advance, fp := f.advanceFailed, f.fp
	f.state, f.err = FeedLoading, nil
	f.mu.Unlock()

	if advance {
		return f.advance(ctx, fp)
	}
	return f.Load(ctx)
}

// Current returns the profile under the cursor.
func (f *Feed) Current() (Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FeedReady || len(f.view) == 0 {
		return Profile{}, false
	}
	return f.view[f.cursor], true
}

func (f *Feed) Cursor() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// View returns a copy of the composed view.
func (f *Feed) View() []Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.view)
}

func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) Fingerprint() Fingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp
}

// RemoveCurrent drops the profile under the cursor from the feed and from
// the cached page. The cursor stays in place, so the following profile
// becomes current.
func (f *Feed) RemoveCurrent() (Profile, bool) {
	f.mu.Lock()
	if f.state != FeedReady || len(f.view) == 0 {
		f.mu.Unlock()
		return Profile{}, false
	}
	p := f.view[f.cursor]
	f.active = slices.DeleteFunc(slices.Clone(f.active), func(q Profile) bool { return q.ID == p.ID })
	f.recomposeLocked()
	fp := f.fp
	next, ok := f.prefetchLocked()
	f.mu.Unlock()

	f.cache.Remove(fp, p.ID)
	f.prefetch(next, ok)
	return p, true
}

// BlockCurrent blocks the profile under the cursor and removes it from the
// feed once the server accepted.
func (f *Feed) BlockCurrent(ctx context.Context, b Blocker) (Profile, error) {
	p, ok := f.Current()
	if !ok {
		return Profile{}, errors.New("no current profile")
	}
	if err := b.Block(ctx, p.ID); err != nil {
		return Profile{}, err
	}

	f.mu.Lock()
	f.active = slices.DeleteFunc(slices.Clone(f.active), func(q Profile) bool { return q.ID == p.ID })
	if f.active != nil {
		f.recomposeLocked()
	}
	fp := f.fp
	next, ok := f.prefetchLocked()
	f.mu.Unlock()

	f.cache.Remove(fp, p.ID)
	f.prefetch(next, ok)
	return p, nil
}

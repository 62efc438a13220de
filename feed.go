package matcha

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// ErrFeedExhausted is returned by Advance once the source has no more
// profiles for a fingerprint.
var ErrFeedExhausted = errors.New("no more profiles")

// FeedSource returns one page of profiles for a fingerprint. *Client
// implements it against the browse and search endpoints.
type FeedSource interface {
	FetchPage(ctx context.Context, fp Fingerprint) ([]Profile, error)
}

// FeedSourceFunc adapts a function to FeedSource.
type FeedSourceFunc func(ctx context.Context, fp Fingerprint) ([]Profile, error)

func (f FeedSourceFunc) FetchPage(ctx context.Context, fp Fingerprint) ([]Profile, error) {
	return f(ctx, fp)
}

type slot int

const (
	slotActive slot = iota
	slotPrefetch
)

type slotKey struct {
	fp   Fingerprint
	slot slot
}

type pendingFetch struct {
	done chan struct{}
}

// FeedCache holds, per fingerprint, the active page the user is going
// through and at most one prefetched next page. Promotion from the prefetch
// slot to the active slot happens under a single lock acquisition, so
// readers see either the old page or the new one.
type FeedCache struct {
	source FeedSource

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pages     map[slotKey][]Profile
	exhausted map[Fingerprint]bool
	pending   map[Fingerprint]*pendingFetch
	// gen is bumped by every invalidation; fetches started under an older
	// generation are discarded when they land.
	gen map[Fingerprint]uint64

	fetches singleflight.Group

	listenerMu sync.RWMutex
	listeners  []*func(Fingerprint)
}

func NewFeedCache(source FeedSource) *FeedCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedCache{
		source:    source,
		ctx:       ctx,
		cancel:    cancel,
		pages:     make(map[slotKey][]Profile),
		exhausted: make(map[Fingerprint]bool),
		pending:   make(map[Fingerprint]*pendingFetch),
		gen:       make(map[Fingerprint]uint64),
	}
}

// Close cancels background prefetches.
func (c *FeedCache) Close() {
	c.cancel()
}

// OnInvalidate registers a listener called after a fingerprint is dropped.
// The returned func removes it.
func (c *FeedCache) OnInvalidate(fn func(Fingerprint)) func() {
	ref := &fn
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, ref)
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		c.listeners = slices.DeleteFunc(slices.Clone(c.listeners), func(r *func(Fingerprint)) bool { return r == ref })
		c.listenerMu.Unlock()
	}
}

func (c *FeedCache) emitInvalidate(fps []Fingerprint) {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, fp := range fps {
		for _, fn := range listeners {
			guard("feed", func() { (*fn)(fp) })
		}
	}
}

func (c *FeedCache) fetch(ctx context.Context, s slot, fp Fingerprint, gen uint64) ([]Profile, error) {
	key := fmt.Sprintf("%s #%d", fp, gen)
	if s == slotPrefetch {
		key = "next " + key
	}
	// The fetch is shared, so it runs on the cache context. Each caller
	// stops waiting when its own ctx ends.
	ch := c.fetches.DoChan(key, func() (any, error) {
		glog.V(2).Infof("[feed]fetch %s\n", key)
		return c.source.FetchPage(c.ctx, fp)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			glog.Infof("[feed]fetch %s = %s\n", key, r.Err)
			return nil, r.Err
		}
		return r.Val.([]Profile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ensure returns the active page for fp, fetching it when absent.
// Concurrent callers for one fingerprint share a single fetch.
func (c *FeedCache) Ensure(ctx context.Context, fp Fingerprint) ([]Profile, error) {
	active := slotKey{fp, slotActive}
	for {
		c.mu.Lock()
		if page, ok := c.pages[active]; ok {
			c.mu.Unlock()
			return slices.Clone(page), nil
		}
		g := c.gen[fp]
		c.mu.Unlock()

		page, err := c.fetch(ctx, slotActive, fp, g)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen[fp] != g {
			c.mu.Unlock()
			continue
		}
		if _, ok := c.pages[active]; !ok {
			c.pages[active] = page
		}
		page = c.pages[active]
		c.mu.Unlock()
		return slices.Clone(page), nil
	}
}

// Prefetch starts fetching the page after the active one in the background.
// It is a no-op while a prefetched page is waiting, while one is already in
// flight, and once fp is exhausted.
func (c *FeedCache) Prefetch(fp Fingerprint) {
	next := slotKey{fp, slotPrefetch}

	c.mu.Lock()
	_, ready := c.pages[next]
	_, inFlight := c.pending[fp]
	if ready || inFlight || c.exhausted[fp] {
		c.mu.Unlock()
		return
	}
	p := &pendingFetch{done: make(chan struct{})}
	c.pending[fp] = p
	g := c.gen[fp]
	c.mu.Unlock()

	go func() {
		page, err := c.fetch(c.ctx, slotPrefetch, fp, g)

		c.mu.Lock()
		if c.pending[fp] == p {
			delete(c.pending, fp)
		}
		if err == nil && c.gen[fp] == g {
			c.pages[next] = page
			glog.V(2).Infof("[feed]prefetched %d profiles for %s\n", len(page), fp)
		}
		c.mu.Unlock()
		close(p.done)
	}()
}

// Prefetched reports whether a prefetched page is waiting for fp.
func (c *FeedCache) Prefetched(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pages[slotKey{fp, slotPrefetch}]
	return ok
}

// Advance replaces the active page of fp once the user went through it. A
// prefetched page is promoted; a prefetch still in flight is waited for;
// otherwise the next page is fetched directly. An empty next page marks fp
// exhausted and Advance returns ErrFeedExhausted until fp is invalidated.
func (c *FeedCache) Advance(ctx context.Context, fp Fingerprint) ([]Profile, error) {
	active := slotKey{fp, slotActive}
	next := slotKey{fp, slotPrefetch}

	for {
		c.mu.Lock()
		if c.exhausted[fp] {
			c.mu.Unlock()
			return nil, ErrFeedExhausted
		}
		if page, ok := c.pages[next]; ok {
			delete(c.pages, next)
			if len(page) == 0 {
				c.exhausted[fp] = true
				c.mu.Unlock()
				return nil, ErrFeedExhausted
			}
			c.pages[active] = page
			c.mu.Unlock()
			glog.V(1).Infof("[feed]promoted prefetched page for %s\n", fp)
			return slices.Clone(page), nil
		}
		if p, ok := c.pending[fp]; ok {
			c.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		g := c.gen[fp]
		c.mu.Unlock()

		page, err := c.fetch(ctx, slotPrefetch, fp, g)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen[fp] != g {
			c.mu.Unlock()
			continue
		}
		if len(page) == 0 {
			c.exhausted[fp] = true
			c.mu.Unlock()
			glog.V(1).Infof("[feed]exhausted %s\n", fp)
			return nil, ErrFeedExhausted
		}
		c.pages[active] = page
		c.mu.Unlock()
		return slices.Clone(page), nil
	}
}

// Exhausted reports whether the last fetch for fp came back empty.
func (c *FeedCache) Exhausted(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted[fp]
}

// ResetExhausted clears the exhausted flag of fp without dropping pages.
func (c *FeedCache) ResetExhausted(fp Fingerprint) {
	c.mu.Lock()
	delete(c.exhausted, fp)
	c.mu.Unlock()
}

// Active returns a copy of the active page of fp.
func (c *FeedCache) Active(fp Fingerprint) ([]Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page, ok := c.pages[slotKey{fp, slotActive}]
	return slices.Clone(page), ok
}

// Remove filters profileID out of the cached pages of fp, e.g. right after
// the user blocked that profile. The pages are replaced, not edited, so
// copies handed out earlier are unaffected.
func (c *FeedCache) Remove(fp Fingerprint, profileID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for _, s := range []slot{slotActive, slotPrefetch} {
		key := slotKey{fp, s}
		page, ok := c.pages[key]
		if !ok {
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(page), func(p Profile) bool { return p.ID == profileID })
		if len(kept) != len(page) {
			c.pages[key] = kept
			removed = true
		}
	}
	return removed
}

// Invalidate drops both slots and the exhausted flag of fp so the next
// Ensure refetches. A fetch in flight for fp is discarded when it lands.
func (c *FeedCache) Invalidate(fp Fingerprint) {
	c.mu.Lock()
	c.dropLocked(fp)
	c.mu.Unlock()

	glog.V(1).Infof("[feed]invalidate %s\n", fp)
	c.emitInvalidate([]Fingerprint{fp})
}

// InvalidateAll drops every fingerprint.
func (c *FeedCache) InvalidateAll() {
	c.mu.Lock()
	seen := map[Fingerprint]bool{}
	for key := range c.pages {
		seen[key.fp] = true
	}
	for fp := range c.pending {
		seen[fp] = true
	}
	for fp := range c.exhausted {
		seen[fp] = true
	}
	fps := make([]Fingerprint, 0, len(seen))
	for fp := range seen {
		c.dropLocked(fp)
		fps = append(fps, fp)
	}
	c.mu.Unlock()

	glog.V(1).Infof("[feed]invalidate all (%d fingerprints)\n", len(fps))
	c.emitInvalidate(fps)
}

func (c *FeedCache) dropLocked(fp Fingerprint) {
	delete(c.pages, slotKey{fp, slotActive})
	delete(c.pages, slotKey{fp, slotPrefetch})
	delete(c.exhausted, fp)
	delete(c.pending, fp)
	c.gen[fp]++
}

package matcha

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// QueryCache
// ============================================================================

type queryEntry struct {
	value     any
	fetchedAt time.Time
}

// QueryCache is a goroutine-safe in-memory cache of list queries (likes,
// views, peers, conversations) keyed by QueryKey. It implements Invalidator,
// so a Router can drop entries as push events arrive.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[QueryKey]queryEntry
	// gen is bumped on every invalidation of a key so a load that started
	// before the invalidation does not write back stale data.
	gen   map[QueryKey]uint64
	loads singleflight.Group

	listenerMu sync.RWMutex
	listeners  []func(QueryKey)
}

func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries: make(map[QueryKey]queryEntry),
		gen:     make(map[QueryKey]uint64),
	}
}

// OnInvalidate registers a listener called with each dropped key.
func (c *QueryCache) OnInvalidate(fn func(QueryKey)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *QueryCache) emit(keys []QueryKey) {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, key := range keys {
		for _, fn := range listeners {
			guard("cache", func() { fn(key) })
		}
	}
}

// Get returns the cached value for key.
func (c *QueryCache) Get(key QueryKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// FetchedAt returns when key was last stored.
func (c *QueryCache) FetchedAt(key QueryKey) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.fetchedAt, ok
}

func (c *QueryCache) Put(key QueryKey, value any) {
	c.mu.Lock()
	c.entries[key] = queryEntry{value: value, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *QueryCache) putIfCurrent(key QueryKey, gen uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[key] != gen {
		return
	}
	c.entries[key] = queryEntry{value: value, fetchedAt: time.Now()}
}

func (c *QueryCache) generation(key QueryKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen[key]
}

// Invalidate drops key so the next read reloads it.
func (c *QueryCache) Invalidate(key QueryKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen[key]++
	c.mu.Unlock()

	glog.V(2).Infof("[cache]invalidate %s\n", key)
	c.emit([]QueryKey{key})
}

// InvalidatePrefix drops every cached key starting with prefix, e.g. "chat/".
func (c *QueryCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	var dropped []QueryKey
	for key := range c.entries {
		if strings.HasPrefix(string(key), prefix) {
			delete(c.entries, key)
			c.gen[key]++
			dropped = append(dropped, key)
		}
	}
	c.mu.Unlock()

	if len(dropped) > 0 {
		glog.V(2).Infof("[cache]invalidate %d keys under %q\n", len(dropped), prefix)
		c.emit(dropped)
	}
}

// Cached returns the value cached under key, calling load on a miss.
// Concurrent misses for one key share a single load.
func Cached[T any](ctx context.Context, c *QueryCache, key QueryKey, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}

	gen := c.generation(key)
	// Waiters share one load; it outlives the cancellation of whichever
	// caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(string(key), func() (any, error) {
		t, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.putIfCurrent(key, gen, t)
		return t, nil
	})
	var v any
	select {
	case r := <-ch:
		if r.Err != nil {
			var zero T
			return zero, fmt.Errorf("load %s: %w", key, r.Err)
		}
		v = r.Val
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("load %s: cached %T", key, v)
	}
	return t, nil
}

// ============================================================================
// Typed list readers
// ============================================================================

// LikedBy returns the users who liked the current user, cached under KeyLikedBy.
func (c *QueryCache) LikedBy(ctx context.Context, client *Client) ([]PeerSummary, error) {
	return Cached(ctx, c, KeyLikedBy, client.LikedBy)
}

// ViewedBy returns the profile viewers, cached under KeyViewedBy.
func (c *QueryCache) ViewedBy(ctx context.Context, client *Client) ([]PeerSummary, error) {
	return Cached(ctx, c, KeyViewedBy, client.ViewedBy)
}

// Peers returns the connected users, cached under KeyPeers.
func (c *QueryCache) Peers(ctx context.Context, client *Client) ([]PeerSummary, error) {
	return Cached(ctx, c, KeyPeers, client.Peers)
}

// Conversation returns the messages with peer, cached under ChatKey(peer).
func (c *QueryCache) Conversation(ctx context.Context, client *Client, peer int) ([]ChatMessage, error) {
	return Cached(ctx, c, ChatKey(peer), func(ctx context.Context) ([]ChatMessage, error) {
		return client.Conversation(ctx, peer)
	})
}

// ============================================================================
// Actions
// ============================================================================

// Like likes id and drops the lists a new match can change.
func (c *QueryCache) Like(ctx context.Context, client *Client, id int) error {
	if err := client.Like(ctx, id); err != nil {
		return err
	}
	c.Invalidate(KeyPeers)
	return nil
}

// Unlike removes the like on id and drops the lists it can change.
func (c *QueryCache) Unlike(ctx context.Context, client *Client, id int) error {
	if err := client.Unlike(ctx, id); err != nil {
		return err
	}
	c.Invalidate(KeyPeers)
	c.Invalidate(ChatKey(id))
	return nil
}

// Block blocks id. Every list that may still show the user is dropped.
func (c *QueryCache) Block(ctx context.Context, client *Client, id int) error {
	if err := client.Block(ctx, id); err != nil {
		return err
	}
	for _, key := range []QueryKey{KeyPeers, KeyLikedBy, KeyViewedBy, ChatKey(id)} {
		c.Invalidate(key)
	}
	return nil
}

// SendMessage posts message to peer and drops the cached conversation.
func (c *QueryCache) SendMessage(ctx context.Context, client *Client, peer int, message string) error {
	if err := client.SendMessage(ctx, peer, message); err != nil {
		return err
	}
	c.Invalidate(ChatKey(peer))
	return nil
}

package matcha

import (
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Inbound events
// ============================================================================

// EventKind is the type of a push frame.
type EventKind string

const (
	EventView    EventKind = "NEW_VIEW"
	EventLike    EventKind = "NEW_LIKE"
	EventMatch   EventKind = "NEW_MATCH"
	EventUnmatch EventKind = "NEW_UNMATCH"
	EventChat    EventKind = "NEW_CHAT"
)

func (k EventKind) valid() bool {
	switch k {
	case EventView, EventLike, EventMatch, EventUnmatch, EventChat:
		return true
	}
	return false
}

// InboundEvent is one decoded push frame.
type InboundEvent struct {
	Kind     EventKind
	SenderID int
}

// ParseFrame decodes "<EVENT_TYPE>,<senderId>". Frames without the
// separator, with an unknown type or with a non-numeric sender are rejected.
func ParseFrame(raw string) (InboundEvent, bool) {
	kind, sender, ok := strings.Cut(strings.TrimSpace(raw), ",")
	if !ok {
		return InboundEvent{}, false
	}
	ev := InboundEvent{Kind: EventKind(strings.TrimSpace(kind))}
	if !ev.Kind.valid() {
		return InboundEvent{}, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(sender))
	if err != nil {
		return InboundEvent{}, false
	}
	ev.SenderID = id
	return ev, true
}

// ============================================================================
// Screens
// ============================================================================

type ScreenKind int

const (
	ScreenOther ScreenKind = iota
	ScreenBrowse
	ScreenLikes
	ScreenConversations
	ScreenConversation
)

// Screen is where the user currently is. PeerID is set for
// ScreenConversation only.
type Screen struct {
	Kind   ScreenKind
	PeerID int
}

// InConversationWith reports whether the user has the conversation with
// peer open.
func (s Screen) InConversationWith(peer int) bool {
	return s.Kind == ScreenConversation && s.PeerID == peer
}

// ScreenProvider is consulted on every dispatch, so the router always acts on
// the live screen.
type ScreenProvider interface {
	CurrentScreen() Screen
}

// ScreenTracker is a ScreenProvider a UI updates as the user navigates.
type ScreenTracker struct {
	mu     sync.RWMutex
	screen Screen
}

func (t *ScreenTracker) Set(s Screen) {
	t.mu.Lock()
	t.screen = s
	t.mu.Unlock()
}

func (t *ScreenTracker) CurrentScreen() Screen {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.screen
}

// ============================================================================
// Side effects
// ============================================================================

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
)

// Notification is a user-facing toast. ID is unique per notification so a UI
// can deduplicate.
type Notification struct {
	ID       ulid.ULID
	Level    NotificationLevel
	Kind     EventKind
	SenderID int
	Message  string
}

type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Navigator moves the user away from screens that stopped being valid.
type Navigator interface {
	LeaveConversation(peer int)
}

// Invalidator drops cached query results.
type Invalidator interface {
	Invalidate(key QueryKey)
}

// QueryKey names a cached list.
type QueryKey string

const (
	KeyViewedBy QueryKey = "views/received"
	KeyLikedBy  QueryKey = "likes/received"
	KeyPeers    QueryKey = "peers"
)

// ChatKey is the cache key of the conversation with peer.
func ChatKey(peer int) QueryKey {
	return QueryKey("chat/" + strconv.Itoa(peer))
}

var notificationText = map[EventKind]string{
	EventView:    "Someone viewed your profile",
	EventLike:    "Someone liked your profile!",
	EventMatch:   "You have a new match!",
	EventUnmatch: "A match has ended",
	EventChat:    "New message received",
}

// ============================================================================
// Router
// ============================================================================

// Router turns push frames into notifications, cache invalidations and
// navigation, depending on the screen the user is on when the frame is
// handled. It is meant to be fed from a single goroutine, e.g. the push
// client's OnFrame.
type Router struct {
	screens  ScreenProvider
	notifier Notifier
	nav      Navigator
	inv      Invalidator
}

// NewRouter builds a router. A nil navigator or invalidator disables that
// side effect.
func NewRouter(screens ScreenProvider, notifier Notifier, nav Navigator, inv Invalidator) *Router {
	return &Router{screens: screens, notifier: notifier, nav: nav, inv: inv}
}

// HandleFrame decodes and dispatches raw. Malformed frames are dropped.
func (r *Router) HandleFrame(raw string) {
	ev, ok := ParseFrame(raw)
	if !ok {
		glog.V(1).Infof("[router]drop malformed frame %q\n", raw)
		return
	}
	r.Dispatch(ev)
}

// Dispatch applies the side effects of ev.
func (r *Router) Dispatch(ev InboundEvent) {
	screen := Screen{}
	if r.screens != nil {
		screen = r.screens.CurrentScreen()
	}
	glog.V(2).Infof("[router]%s from %d on screen %d\n", ev.Kind, ev.SenderID, screen.Kind)

	switch ev.Kind {
	case EventView:
		r.notify(ev, LevelInfo)
		if screen.Kind == ScreenLikes {
			r.invalidate(KeyViewedBy)
		}
	case EventLike:
		r.notify(ev, LevelSuccess)
		if screen.Kind == ScreenLikes {
			r.invalidate(KeyLikedBy)
		}
	case EventMatch:
		r.notify(ev, LevelSuccess)
		if screen.Kind == ScreenConversations {
			r.invalidate(KeyPeers)
		}
	case EventUnmatch:
		r.notify(ev, LevelWarning)
		switch {
		case screen.InConversationWith(ev.SenderID):
			if r.nav != nil {
				guard("router", func() { r.nav.LeaveConversation(ev.SenderID) })
			}
		case screen.Kind == ScreenConversations:
			r.invalidate(KeyPeers)
		}
	case EventChat:
		if screen.InConversationWith(ev.SenderID) {
			r.invalidate(ChatKey(ev.SenderID))
			return
		}
		r.notify(ev, LevelInfo)
	}
}

func (r *Router) notify(ev InboundEvent, level NotificationLevel) {
	if r.notifier == nil {
		return
	}
	n := Notification{
		ID:       ulid.Make(),
		Level:    level,
		Kind:     ev.Kind,
		SenderID: ev.SenderID,
		Message:  notificationText[ev.Kind],
	}
	guard("router", func() { r.notifier.Notify(n) })
}

func (r *Router) invalidate(key QueryKey) {
	if r.inv == nil {
		return
	}
	guard("router", func() { r.inv.Invalidate(key) })
}

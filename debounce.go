package matcha

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultDebounce is the quiet period before a location lookup is sent.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer runs the last function passed to Trigger once no further call
// arrived for its delay.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay}
}

// Trigger restarts the quiet period with fn as the pending call.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		current := d.timer == t
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})
	d.timer = t
}

// Cancel drops the pending call, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// ============================================================================
// LocationAutocomplete
// ============================================================================

// LocationAutocomplete geocodes the location field as the user types. Only
// the text present when the quiet period ends is looked up; a lookup still
// running when new input arrives is canceled and its result dropped.
type LocationAutocomplete struct {
	geocoder Geocoder
	debounce *Debouncer

	mu         sync.Mutex
	latest     string
	cancel     context.CancelFunc
	closed     bool
	onResolved []func(text string, place Place)
	onFailed   []func(text string, err error)
}

func NewLocationAutocomplete(geocoder Geocoder, delay time.Duration) *LocationAutocomplete {
	return &LocationAutocomplete{geocoder: geocoder, debounce: NewDebouncer(delay)}
}

func (a *LocationAutocomplete) OnResolved(fn func(text string, place Place)) {
	a.mu.Lock()
	a.onResolved = append(a.onResolved, fn)
	a.mu.Unlock()
}

func (a *LocationAutocomplete) OnFailed(fn func(text string, err error)) {
	a.mu.Lock()
	a.onFailed = append(a.onFailed, fn)
	a.mu.Unlock()
}

// Input records the current field text. Blank text clears any pending lookup.
func (a *LocationAutocomplete) Input(text string) {
	text = strings.TrimSpace(text)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.latest = text
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()

	if text == "" {
		a.debounce.Cancel()
		return
	}
	a.debounce.Trigger(func() { a.lookup(text) })
}

func (a *LocationAutocomplete) lookup(text string) {
	a.mu.Lock()
	if a.closed || a.latest != text {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), geocodeTimeout)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	glog.V(2).Infof("[geo]autocomplete %q\n", text)
	place, err := a.geocoder.Forward(ctx, text)

	a.mu.Lock()
	stale := a.closed || a.latest != text || ctx.Err() == context.Canceled
	resolved := a.onResolved
	failed := a.onFailed
	a.mu.Unlock()
	if stale {
		glog.V(2).Infof("[geo]autocomplete %q superseded\n", text)
		return
	}

	if err != nil {
		for _, fn := range failed {
			guard("geo", func() { fn(text, err) })
		}
		return
	}
	for _, fn := range resolved {
		guard("geo", func() { fn(text, place) })
	}
}

// Close cancels the pending and running lookups. Callbacks stop firing.
func (a *LocationAutocomplete) Close() {
	a.debounce.Cancel()
	a.mu.Lock()
	a.closed = true
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
}

package matcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"nhooyr.io/websocket"
)

var (
	ErrAlreadyStarted  = errors.New("push client already started")
	ErrNotConnected    = errors.New("push channel not open")
	ErrRejected        = errors.New("push channel rejected for this session")
	ErrPolicyViolation = errors.New("policy violation")
)

// ============================================================================
// Configuration
// ============================================================================

// Reconnect backoff bounds used when PushConfig leaves them zero.
const (
	DefaultReconnectBaseDelay = 3 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// PushConfig configures a PushClient. Zero values take the defaults.
type PushConfig struct {
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential backoff.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts gives up after that many consecutive failed
	// reconnects. 0 retries forever.
	MaxReconnectAttempts int
	// HeartbeatInterval pings an open channel; 0 disables it.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Header     http.Header
	HTTPClient *http.Client
	Dialer     Dialer
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocketDialer{httpClient: c.HTTPClient}
	}
}

// BackoffDelay returns min(base * 2^attempt, cap).
func BackoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	return min(d, cap)
}

// ============================================================================
// State machine
// ============================================================================

// ConnState is the lifecycle state of the push channel.
type ConnState string

const (
	StateDisconnected      ConnState = "disconnected"
	StateConnecting        ConnState = "connecting"
	StateOpen              ConnState = "open"
	StateBackoffWaiting    ConnState = "backoff_waiting"
	StatePermanentlyClosed ConnState = "permanently_closed"
)

type connEvent int

const (
	evStart connEvent = iota
	evOpened
	evDialFailed
	evClosed
	evPolicyClose
	evTimerFired
	evGaveUp
	evStop
)

// transition is the whole lifecycle table. Events that do not apply to the
// current state leave it unchanged.
func transition(s ConnState, ev connEvent) ConnState {
	switch ev {
	case evStop:
		return StateDisconnected
	case evStart:
		if s == StateDisconnected {
			return StateConnecting
		}
	case evOpened:
		if s == StateConnecting {
			return StateOpen
		}
	case evDialFailed:
		if s == StateConnecting {
			return StateBackoffWaiting
		}
	case evClosed:
		if s == StateOpen {
			return StateBackoffWaiting
		}
	case evPolicyClose:
		if s == StateConnecting || s == StateOpen {
			return StatePermanentlyClosed
		}
	case evTimerFired:
		if s == StateBackoffWaiting {
			return StateConnecting
		}
	case evGaveUp:
		if s == StateConnecting || s == StateOpen {
			return StateDisconnected
		}
	}
	return s
}

// ============================================================================
// Transport
// ============================================================================

// Conn is one open push channel.
type Conn interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	httpClient *http.Client
}

func (d websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		// A server that refuses the credential before accepting answers the
		// handshake with 401/403 instead of a 1008 close frame.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrPolicyViolation, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) (string, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *websocketConn) Write(ctx context.Context, text string) error {
	return w.c.Write(ctx, websocket.MessageText, []byte(text))
}

func (w *websocketConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func isPolicyClose(err error) bool {
	return errors.Is(err, ErrPolicyViolation) || websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// ============================================================================
// Subscriptions
// ============================================================================

type pushHandlers struct {
	mu             sync.RWMutex
	onFrame        []func(string)
	onStateChange  []func(from, to ConnState)
	onReconnecting []func(int, time.Duration)
}

func (h *pushHandlers) emitFrame(frame string) {
	h.mu.RLock()
	handlers := append([]func(string){}, h.onFrame...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		guard("push", func() { fn(frame) })
	}
}

func (h *pushHandlers) emitStateChange(from, to ConnState) {
	if from == to {
		return
	}
	h.mu.RLock()
	handlers := append([]func(ConnState, ConnState){}, h.onStateChange...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		guard("push", func() { fn(from, to) })
	}
}

func (h *pushHandlers) emitReconnecting(attempt int, delay time.Duration) {
	h.mu.RLock()
	handlers := append([]func(int, time.Duration){}, h.onReconnecting...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		guard("push", func() { fn(attempt, delay) })
	}
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient owns at most one push channel at a time. It reconnects with
// exponential backoff after unexpected closes and stops for good on a
// policy-violation close. Frames are handed to OnFrame subscribers in arrival
// order on a single goroutine.
type PushClient struct {
	url    string
	config *PushConfig

	mu      sync.Mutex
	state   ConnState
	attempt int
	conn    Conn
	runCtx  context.Context
	cancel  context.CancelFunc

	handlers pushHandlers
}

func NewPushClient(url string, cfg PushConfig) *PushClient {
	cfg.defaults()
	return &PushClient{
		url:    url,
		config: &cfg,
		state:  StateDisconnected,
	}
}

// OnFrame registers a handler for raw inbound frames.
func (p *PushClient) OnFrame(h func(frame string)) {
	p.handlers.mu.Lock()
	p.handlers.onFrame = append(p.handlers.onFrame, h)
	p.handlers.mu.Unlock()
}

// OnStateChange registers a handler for lifecycle transitions.
func (p *PushClient) OnStateChange(h func(from, to ConnState)) {
	p.handlers.mu.Lock()
	p.handlers.onStateChange = append(p.handlers.onStateChange, h)
	p.handlers.mu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
func (p *PushClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	p.handlers.mu.Lock()
	p.handlers.onReconnecting = append(p.handlers.onReconnecting, h)
	p.handlers.mu.Unlock()
}

func (p *PushClient) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempt returns the number of consecutive unexpected closes since the
// channel was last open.
func (p *PushClient) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Start opens the channel in the background. It fails with
// ErrAlreadyStarted unless the client is disconnected, and with ErrRejected
// after the server refused this session; Stop clears both.
func (p *PushClient) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateDisconnected:
	case StatePermanentlyClosed:
		p.mu.Unlock()
		return ErrRejected
	default:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	if p.cancel != nil {
		p.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx, p.cancel = runCtx, cancel
	p.attempt = 0
	from := p.state
	p.state = transition(from, evStart)
	to := p.state
	p.mu.Unlock()

	p.handlers.emitStateChange(from, to)
	go p.run(runCtx)
	return nil
}

// Stop tears the channel down: any pending reconnect timer is canceled, an
// open channel is closed, and the state becomes StateDisconnected. Nothing
// that happens on the old channel afterwards is observed.
func (p *PushClient) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	conn := p.conn
	p.cancel, p.conn, p.runCtx = nil, nil, nil
	p.attempt = 0
	from := p.state
	p.state = transition(from, evStop)
	to := p.state
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.handlers.emitStateChange(from, to)
}

// Send writes a text frame on the open channel.
func (p *PushClient) Send(ctx context.Context, text string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, text)
}

// apply runs ev through the transition table unless ctx belongs to a
// channel that has been torn down.
func (p *PushClient) apply(ctx context.Context, ev connEvent) bool {
	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	from := p.state
	p.state = transition(from, ev)
	to := p.state
	p.mu.Unlock()

	p.handlers.emitStateChange(from, to)
	return true
}

func (p *PushClient) run(ctx context.Context) {
	defer p.settle(ctx)

	for {
		ev := p.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if ev == evPolicyClose {
			glog.Infof("[push]%s rejected the session, not reconnecting\n", p.url)
			p.apply(ctx, evPolicyClose)
			return
		}

		p.mu.Lock()
		attempt := p.attempt
		giveUp := p.config.MaxReconnectAttempts > 0 && attempt >= p.config.MaxReconnectAttempts
		if !giveUp {
			p.attempt++
		}
		p.mu.Unlock()

		if giveUp {
			glog.Infof("[push]giving up after %d attempts\n", attempt)
			p.apply(ctx, evGaveUp)
			return
		}

		delay := BackoffDelay(p.config.ReconnectBaseDelay, p.config.ReconnectMaxDelay, attempt)
		if !p.apply(ctx, ev) {
			return
		}
		glog.V(1).Infof("[push]reconnect %d in %s\n", attempt+1, delay)
		p.handlers.emitReconnecting(attempt+1, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !p.apply(ctx, evTimerFired) {
			return
		}
	}
}

// settle moves a client whose parent context ended (without Stop) back to
// StateDisconnected so it can be started again.
func (p *PushClient) settle(ctx context.Context) {
	p.mu.Lock()
	if p.runCtx != ctx || ctx.Err() == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.cancel, p.conn, p.runCtx = nil, nil, nil
	from := p.state
	p.state = transition(from, evStop)
	to := p.state
	p.mu.Unlock()

	p.handlers.emitStateChange(from, to)
}

// connect dials once and, when the dial succeeds, reads until the channel
// closes. The returned event says how it ended.
func (p *PushClient) connect(ctx context.Context) connEvent {
	conn, err := p.config.Dialer.Dial(ctx, p.url, p.config.Header)
	if err != nil {
		if isPolicyClose(err) {
			return evPolicyClose
		}
		if ctx.Err() == nil {
			glog.Infof("[push]dial %s = %s\n", p.url, err)
		}
		return evDialFailed
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		_ = conn.Close()
		return evStop
	}
	p.conn = conn
	p.attempt = 0
	from := p.state
	p.state = transition(from, evOpened)
	to := p.state
	p.mu.Unlock()

	glog.V(1).Infof("[push]open %s\n", p.url)
	p.handlers.emitStateChange(from, to)

	if p.config.HeartbeatInterval > 0 {
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go p.heartbeatLoop(hbCtx, conn)
	}

	ev := p.readLoop(ctx, conn)

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
	return ev
}

func (p *PushClient) readLoop(ctx context.Context, conn Conn) connEvent {
	for {
		frame, err := conn.Read(ctx)
		if ctx.Err() != nil {
			return evStop
		}
		if err != nil {
			if isPolicyClose(err) {
				return evPolicyClose
			}
			glog.Infof("[push]read = %s\n", err)
			return evClosed
		}
		glog.V(2).Infof("[push]frame %q\n", frame)
		p.handlers.emitFrame(frame)
	}
}

func (p *PushClient) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Closing unblocks the read loop, which takes the normal
				// backoff path.
				glog.Infof("[push]heartbeat = %s\n", err)
				_ = conn.Close()
				return
			}
		}
	}
}

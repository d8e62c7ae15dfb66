package ws

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/chat-sync/internal/metrics"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Handler func(Envelope)

// StateListener observes transitions. err is set when a transition was caused by
// a failure; after retries are exhausted it is a *TransportError and state is
// StateDisconnected.
type StateListener func(State, error)

type Options struct {
	URL            string
	Token          string
	Heartbeat      time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	FlushRate      int
	WriteDeadline  time.Duration
	HandshakeLimit time.Duration
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.FlushRate <= 0 {
		o.FlushRate = 50
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.HandshakeLimit <= 0 {
		o.HandshakeLimit = 10 * time.Second
	}
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type listenerEntry struct {
	id uint64
	fn StateListener
}

// Client keeps one persistent connection to the realtime server. Envelopes sent
// while the connection is down wait in a FIFO queue and are flushed after auth.
type Client struct {
	opts   Options
	dialer Dialer
	log    *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	userID   string
	chatIDs  []string
	conn     Conn
	gen      uint64
	cancel   context.CancelFunc
	queue    []queued
	seq      uint64
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer

	writeMu sync.Mutex
	limiter *rate.Limiter

	subMu     sync.RWMutex
	nextSub   uint64
	handlers  map[Type][]handlerEntry
	listeners []listenerEntry

	now func() time.Time
}

func NewClient(opts Options, dialer Dialer, log *zap.SugaredLogger) *Client {
	opts.defaults()
	if dialer == nil {
		dialer = GorillaDialer{HandshakeTimeout: opts.HandshakeLimit}
	}
	return &Client{
		opts:     opts,
		dialer:   dialer,
		log:      log,
		backoff:  newBackOff(opts.BaseDelay, opts.MaxDelay),
		limiter:  rate.NewLimiter(rate.Limit(opts.FlushRate), 1),
		handlers: make(map[Type][]handlerEntry),
		now:      time.Now,
	}
}

// newBackOff doubles the delay from base up to max, without jitter.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect starts connecting in the background. It is a no-op unless the client
// is disconnected.
func (c *Client) Connect(userID string, chatIDs []string) error {
	if userID == "" {
		return ErrNoIdentity
	}
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.userID = userID
	c.chatIDs = slices.Clone(chatIDs)
	c.attempts = 0
	c.backoff.Reset()
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notify(StateConnecting, nil)
	go c.dial(gen)
	return nil
}

// Disconnect closes the connection and forgets the identity, so nothing
// reconnects. Queued envelopes are dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	was := c.state
	c.gen++
	c.userID = ""
	c.chatIDs = nil
	c.queue = nil
	c.attempts = 0
	c.backoff.Reset()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	metrics.OutboundQueue.Set(0)
	if was != StateDisconnected {
		c.log.Infow("ws disconnected")
		c.notify(StateDisconnected, nil)
	}
}

// UpdateChats replaces the tracked chat ids and re-sends auth when they changed
// on an open connection.
func (c *Client) UpdateChats(chatIDs []string) {
	c.mu.Lock()
	next := slices.Clone(chatIDs)
	slices.Sort(next)
	cur := slices.Clone(c.chatIDs)
	slices.Sort(cur)
	if slices.Equal(cur, next) {
		c.mu.Unlock()
		return
	}
	c.chatIDs = slices.Clone(chatIDs)
	// Once a conn is attached its auth frame is already out; a dial still in
	// progress picks up the new ids on its own.
	authed := c.conn != nil && (c.state == StateConnected || c.state == StateConnecting)
	env, err := c.authLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Errorw("encode auth", "err", err)
		return
	}
	if authed {
		c.Send(env)
	}
}

type queued struct {
	seq uint64
	env Envelope
}

func (c *Client) enqueueLocked(env Envelope) int {
	c.seq++
	c.queue = append(c.queue, queued{seq: c.seq, env: env})
	return len(c.queue)
}

// Withdraw removes queued envelopes carrying key and reports how many were
// removed. An envelope already handed to the connection cannot be recalled.
func (c *Client) Withdraw(key string) int {
	if key == "" {
		return 0
	}
	c.mu.Lock()
	before := len(c.queue)
	c.queue = slices.DeleteFunc(c.queue, func(q queued) bool { return q.env.Key == key })
	n, removed := len(c.queue), before-len(c.queue)
	c.mu.Unlock()
	if removed > 0 {
		metrics.OutboundQueue.Set(float64(n))
	}
	return removed
}

// Send writes env now when connected, otherwise queues it and returns false.
func (c *Client) Send(env Envelope) bool {
	if env.Timestamp == 0 {
		env.Timestamp = c.now().UnixMilli()
	}
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		n := c.enqueueLocked(env)
		c.mu.Unlock()
		metrics.OutboundQueue.Set(float64(n))
		return false
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if err := c.write(conn, env); err != nil {
		c.mu.Lock()
		if c.userID != "" {
			c.enqueueLocked(env)
		}
		c.mu.Unlock()
		c.fail(gen, &TransportError{Op: "write", Err: err})
		return false
	}
	return true
}

// On registers a handler for an envelope type, or Any for all of them.
func (c *Client) On(t Type, h Handler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[t] = append(c.handlers[t], handlerEntry{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		c.handlers[t] = slices.DeleteFunc(c.handlers[t], func(e handlerEntry) bool { return e.id == id })
	}
}

func (c *Client) OnStateChange(fn StateListener) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(e listenerEntry) bool { return e.id == id })
	}
}

func (c *Client) notify(s State, err error) {
	c.subMu.RLock()
	ls := slices.Clone(c.listeners)
	c.subMu.RUnlock()
	for _, l := range ls {
		l.fn(s, err)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.subMu.RLock()
	hs := append(slices.Clone(c.handlers[env.Type]), c.handlers[Any]...)
	c.subMu.RUnlock()
	for _, h := range hs {
		c.invoke(h.fn, env)
	}
}

func (c *Client) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("ws handler panic", "type", env.Type, "panic", r)
		}
	}()
	h(env)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (c *Client) authLocked() (Envelope, error) {
	return NewEnvelope(TypeAuth, AuthPayload{UserID: c.userID, ChatIDs: slices.Clone(c.chatIDs)}, c.now())
}

func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) dial(gen uint64) {
	target, err := withToken(c.opts.URL, c.opts.Token)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.notify(StateDisconnected, &TransportError{Op: "dial", Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeLimit)
	conn, err := c.dialer.Dial(ctx, target, authHeader(c.opts.Token))
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		st, terr := c.scheduleLocked(gen, &TransportError{Op: "dial", Err: err})
		c.mu.Unlock()
		c.notify(st, terr)
		return
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = connCancel
	auth, err := c.authLocked()
	c.mu.Unlock()

	if err != nil {
		c.fail(gen, &TransportError{Op: "auth", Err: err})
		return
	}
	if err := c.write(conn, auth); err != nil {
		c.fail(gen, &TransportError{Op: "auth", Err: err})
		return
	}
	go c.readLoop(conn, gen)
	c.flush(connCtx, conn, gen)
}

// flush drains the queue in order. The head is removed only after it was
// written, so a failed write leaves it first in line for the next connection.
func (c *Client) flush(ctx context.Context, conn Conn, gen uint64) {
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.setStateLocked(StateConnected)
			c.attempts = 0
			c.backoff.Reset()
			c.mu.Unlock()

			metrics.OutboundQueue.Set(0)
			c.log.Infow("ws connected", "url", c.opts.URL)
			c.notify(StateConnected, nil)
			go c.heartbeat(ctx, conn, gen)
			return
		}
		head := c.queue[0]
		c.mu.Unlock()

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.mu.Lock()
		// Withdraw may have taken the head while the limiter waited.
		still := gen == c.gen && len(c.queue) > 0 && c.queue[0].seq == head.seq
		c.mu.Unlock()
		if !still {
			continue
		}
		if err := c.write(conn, head.env); err != nil {
			c.fail(gen, &TransportError{Op: "flush", Err: err})
			return
		}

		c.mu.Lock()
		if gen == c.gen && len(c.queue) > 0 && c.queue[0].seq == head.seq {
			c.queue = c.queue[1:]
		}
		n := len(c.queue)
		c.mu.Unlock()
		metrics.OutboundQueue.Set(float64(n))
	}
}

func (c *Client) heartbeat(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, _ := NewEnvelope(TypePing, nil, c.now())
			if err := c.write(conn, ping); err != nil {
				c.fail(gen, &TransportError{Op: "heartbeat", Err: err})
				return
			}
		}
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Infow("ws closed by server")
			}
			c.fail(gen, &TransportError{Op: "read", Err: err})
			return
		}
		env, err := Decode(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			c.log.Warnw("ws frame dropped", "err", err)
			continue
		}
		if env.Type == TypePing {
			pong, _ := NewEnvelope(TypePong, nil, c.now())
			if err := c.write(conn, pong); err != nil {
				c.fail(gen, &TransportError{Op: "pong", Err: err})
				return
			}
		}
		c.dispatch(env)
	}
}

func (c *Client) write(conn Conn, env Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(c.opts.WriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// fail tears down the connection of generation gen and schedules a reconnect.
// Failures from an older generation are ignored.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.teardownLocked()
	st, terr := c.scheduleLocked(c.gen, err)
	c.mu.Unlock()

	c.log.Warnw("ws connection lost", "err", err)
	c.notify(st, terr)
}

// scheduleLocked arms the reconnect timer or gives up once attempts are exhausted.
func (c *Client) scheduleLocked(gen uint64, cause error) (State, error) {
	c.attempts++
	if c.attempts > c.opts.MaxAttempts {
		terr := &TransportError{Op: "reconnect", Attempts: c.attempts - 1, Err: cause}
		c.setStateLocked(StateDisconnected)
		c.attempts = 0
		c.backoff.Reset()
		c.log.Errorw("ws giving up", "err", terr)
		return StateDisconnected, terr
	}
	delay := c.backoff.NextBackOff()
	c.setStateLocked(StateReconnecting)
	metrics.Reconnects.Inc()
	c.log.Infow("ws reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.timer = time.AfterFunc(delay, func() { c.redial(gen) })
	return StateReconnecting, cause
}

func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notify(StateConnecting, nil)
	c.dial(gen)
}

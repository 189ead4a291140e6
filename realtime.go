package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Dialer opens realtime connections. WebsocketDialer is the production
// implementation; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// Conn is one physical realtime connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// CloseError is returned by Conn.Read when the peer closed with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// HandshakeError is returned by Dial when the server refused the upgrade.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: HTTP %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// WebsocketDialer dials with nhooyr.io/websocket. HTTPClient must not set a
// Timeout; the dial context bounds the handshake instead.
type WebsocketDialer struct {
	HTTPClient *http.Client
	HTTPHeader http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// ============================================================================
// Close classification
// ============================================================================

type closeKind int

const (
	closeAbnormal closeKind = iota
	closeGraceful
	closeAuth
)

// authCloseCodes are treated as credential rejections and never retried.
var authCloseCodes = map[int]bool{
	int(websocket.StatusPolicyViolation): true, // 1008
	4001:                                 true,
	4003:                                 true,
	4401:                                 true,
	4403:                                 true,
}

func classifyClose(err error) (closeKind, int) {
	var hs *HandshakeError
	if errors.As(err, &hs) {
		if hs.Status == http.StatusUnauthorized || hs.Status == http.StatusForbidden {
			return closeAuth, hs.Status
		}
		return closeAbnormal, hs.Status
	}
	var ce *CloseError
	if !errors.As(err, &ce) {
		return closeAbnormal, -1
	}
	switch {
	case ce.Code == int(websocket.StatusNormalClosure) || ce.Code == int(websocket.StatusGoingAway):
		return closeGraceful, ce.Code
	case authCloseCodes[ce.Code]:
		return closeAuth, ce.Code
	}
	return closeAbnormal, ce.Code
}

// ============================================================================
// Reconnect policy
// ============================================================================

type reconnectPolicy struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	exponential bool
	maxAttempts int
}

// delay returns the wait before the given zero-based attempt.
func (p reconnectPolicy) delay(attempt int) time.Duration {
	if !p.exponential {
		return p.baseDelay
	}
	jitter := time.Duration(rand.Float64() * float64(p.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(p.baseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(p.maxDelay),
	))
}

// ============================================================================
// Connection records
// ============================================================================

// ConnStatus is the state of a channel's connection.
type ConnStatus string

const (
	StatusConnecting ConnStatus = "connecting"
	StatusOpen       ConnStatus = "open"
	StatusClosed     ConnStatus = "closed"
	StatusError      ConnStatus = "error"
)

// ConnectionRecord is a snapshot of a channel's connection state.
type ConnectionRecord struct {
	Key         string
	Status      ConnStatus
	RetryCount  int
	NextRetryAt time.Time
}

// ============================================================================
// Supervisor
// ============================================================================

// Supervisor owns the realtime channels of one client, at most one physical
// connection per channel key.
type Supervisor struct {
	tokens TokenGate
	dialer Dialer
	urls   URLBuilder
	sched  *Scheduler
	policy reconnectPolicy
	log    *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewSupervisor builds a supervisor from cfg.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		tokens: cfg.Tokens,
		dialer: cfg.Dialer,
		urls:   cfg.urlBuilder(),
		sched:  NewScheduler(cfg.Clock),
		policy: reconnectPolicy{
			baseDelay:   cfg.ReconnectDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			exponential: cfg.ReconnectBackoff,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		log:      cfg.Logger,
		channels: make(map[string]*Channel),
	}
}

// Channel returns the channel for spec, creating it in the closed state.
func (s *Supervisor) Channel(spec ChannelSpec) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[spec.Key]; ok {
		return ch
	}
	ch := &Channel{
		spec:   spec,
		sup:    s,
		record: ConnectionRecord{Key: spec.Key, Status: StatusClosed},
		log:    s.log.With("channel", spec.Key),
	}
	s.channels[spec.Key] = ch
	return ch
}

// Lookup returns the channel for key, or nil.
func (s *Supervisor) Lookup(key string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[key]
}

// Connect establishes or reuses the channel's connection.
func (s *Supervisor) Connect(ctx context.Context, spec ChannelSpec) (*Channel, error) {
	ch := s.Channel(spec)
	return ch, ch.Connect(ctx)
}

// Disconnect tears down the channel for key and suppresses reconnection.
func (s *Supervisor) Disconnect(key string) {
	if ch := s.Lookup(key); ch != nil {
		ch.Disconnect()
	}
}

// Status returns the status of key, StatusClosed when unknown.
func (s *Supervisor) Status(key string) ConnStatus {
	if ch := s.Lookup(key); ch != nil {
		return ch.Status()
	}
	return StatusClosed
}

// Close disconnects every channel.
func (s *Supervisor) Close() {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		ch.Disconnect()
	}
}

// ============================================================================
// Channel
// ============================================================================

// Channel is one logical realtime endpoint and its current connection.
type Channel struct {
	spec ChannelSpec
	sup  *Supervisor
	log  *slog.Logger

	mu     sync.Mutex
	record ConnectionRecord
	conn   Conn
	cancel context.CancelFunc
	// gen identifies the current attempt; Disconnect and new attempts bump
	// it so late results of older attempts are ignored.
	gen   uint64
	retry *Task

	statusSubs  subscribers[ConnStatus]
	messageSubs subscribers[[]byte]
	errorSubs   subscribers[error]
}

// Key returns the channel key.
func (ch *Channel) Key() string { return ch.spec.Key }

// Status returns the current connection status.
func (ch *Channel) Status() ConnStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.record.Status
}

// Record returns a snapshot of the connection record.
func (ch *Channel) Record() ConnectionRecord {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.record
}

// OnStatusChange registers a status handler. The returned func unsubscribes.
func (ch *Channel) OnStatusChange(h func(ConnStatus)) func() {
	return ch.statusSubs.add(h)
}

// OnMessage registers a handler for inbound frames, called in arrival order.
func (ch *Channel) OnMessage(h func([]byte)) func() {
	return ch.messageSubs.add(h)
}

// OnError registers a handler for errors that need attention: auth failures
// and exhausted reconnects.
func (ch *Channel) OnError(h func(error)) func() {
	return ch.errorSubs.add(h)
}

// Connect establishes the connection. It is a no-op while connecting or open.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.record.Status == StatusConnecting || ch.record.Status == StatusOpen {
		ch.mu.Unlock()
		return nil
	}
	ch.retry.Cancel()
	ch.retry = nil
	ch.gen++
	gen := ch.gen
	prev, prevCancel := ch.conn, ch.cancel
	ch.conn, ch.cancel = nil, nil
	ch.record.Status = StatusConnecting
	ch.record.RetryCount = 0
	ch.record.NextRetryAt = time.Time{}
	ch.mu.Unlock()

	if prev != nil {
		prev.Close(int(websocket.StatusNormalClosure), "superseded")
	}
	if prevCancel != nil {
		prevCancel()
	}
	ch.statusSubs.emit(StatusConnecting)
	return ch.attempt(ctx, gen)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.gen++
	ch.retry.Cancel()
	ch.retry = nil
	conn, cancel := ch.conn, ch.cancel
	ch.conn, ch.cancel = nil, nil
	was := ch.record.Status
	ch.record.Status = StatusClosed
	ch.record.RetryCount = 0
	ch.record.NextRetryAt = time.Time{}
	ch.mu.Unlock()

	if conn != nil {
		conn.Close(int(websocket.StatusNormalClosure), "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if was != StatusClosed {
		ch.log.Debug("disconnected")
		ch.statusSubs.emit(StatusClosed)
	}
}

// Send writes a frame on the open connection.
func (ch *Channel) Send(ctx context.Context, data []byte) error {
	ch.mu.Lock()
	conn, status := ch.conn, ch.record.Status
	ch.mu.Unlock()
	if conn == nil || status != StatusOpen {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, data); err != nil {
		return transient("write "+ch.spec.Key, err)
	}
	return nil
}

// SendJSON marshals v and sends it.
func (ch *Channel) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return ch.Send(ctx, data)
}

func (ch *Channel) current(gen uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.gen == gen
}

// attempt performs one connect attempt for gen, already marked connecting.
func (ch *Channel) attempt(ctx context.Context, gen uint64) error {
	token, err := ch.sup.tokens.CurrentToken(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrAuthRequired, err)
	} else if token == "" {
		err = ErrAuthRequired
	}
	if err != nil {
		ch.fail(gen, StatusError, err, true)
		return err
	}

	u, err := ch.sup.urls.Build(ch.spec.Segments, url.Values{"token": {token}})
	if err != nil {
		ch.fail(gen, StatusError, err, true)
		return err
	}

	conn, err := ch.sup.dialer.Dial(ctx, u)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			ch.fail(gen, StatusClosed, ctxErr, false)
			return ctxErr
		}
		if kind, code := classifyClose(err); kind == closeAuth {
			err = fmt.Errorf("%w: handshake status %d", ErrAuthRejected, code)
			if ch.fail(gen, StatusError, err, true) {
				ch.sup.tokens.Invalidate(err)
			}
			return err
		}
		err = transient("dial "+ch.spec.Key, err)
		if ch.fail(gen, StatusError, err, false) {
			ch.scheduleReconnect(gen)
		}
		return err
	}

	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		conn.Close(int(websocket.StatusNormalClosure), "superseded")
		return nil
	}
	readCtx, cancel := context.WithCancel(context.Background())
	ch.conn, ch.cancel = conn, cancel
	ch.record.Status = StatusOpen
	ch.record.RetryCount = 0
	ch.record.NextRetryAt = time.Time{}
	ch.mu.Unlock()

	ch.log.Debug("connected")
	ch.statusSubs.emit(StatusOpen)
	go ch.readLoop(readCtx, conn, gen)
	return nil
}

// fail records a failed attempt if gen is still current. It reports whether
// the failure was applied.
func (ch *Channel) fail(gen uint64, status ConnStatus, err error, surface bool) bool {
	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		return false
	}
	ch.record.Status = status
	ch.mu.Unlock()

	ch.log.Warn("connect failed", "status", status, "err", err)
	ch.statusSubs.emit(status)
	if surface {
		ch.errorSubs.emit(err)
	}
	return true
}

func (ch *Channel) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			ch.handleClose(gen, err)
			return
		}
		if !ch.current(gen) {
			return
		}
		ch.messageSubs.emit(data)
	}
}

func (ch *Channel) handleClose(gen uint64, err error) {
	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		return
	}
	cancel := ch.cancel
	ch.conn, ch.cancel = nil, nil
	kind, code := classifyClose(err)
	switch kind {
	case closeGraceful:
		ch.record.Status = StatusClosed
	case closeAuth:
		ch.record.Status = StatusError
	default:
		ch.record.Status = StatusClosed
	}
	status := ch.record.Status
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	switch kind {
	case closeGraceful:
		ch.log.Info("closed by server", "code", code)
		ch.statusSubs.emit(status)
	case closeAuth:
		authErr := fmt.Errorf("%w: close code %d", ErrAuthRejected, code)
		ch.log.Warn("closed for auth", "code", code)
		ch.statusSubs.emit(status)
		ch.errorSubs.emit(authErr)
		ch.sup.tokens.Invalidate(authErr)
	default:
		ch.log.Warn("connection lost", "code", code, "err", err)
		ch.statusSubs.emit(status)
		ch.scheduleReconnect(gen)
	}
}

func (ch *Channel) scheduleReconnect(gen uint64) {
	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		return
	}
	policy := ch.sup.policy
	if policy.maxAttempts > 0 && ch.record.RetryCount >= policy.maxAttempts {
		attempts := ch.record.RetryCount
		ch.record.Status = StatusError
		ch.mu.Unlock()
		err := fmt.Errorf("%w: gave up after %d reconnect attempts", ErrTransientNetwork, attempts)
		ch.log.Error("reconnect exhausted", "attempt", attempts)
		ch.statusSubs.emit(StatusError)
		ch.errorSubs.emit(err)
		return
	}
	delay := policy.delay(ch.record.RetryCount)
	ch.record.RetryCount++
	ch.record.NextRetryAt = ch.sup.sched.Now().Add(delay)
	attempt := ch.record.RetryCount
	ch.retry = ch.sup.sched.After(delay, func() { ch.reconnect(gen) })
	ch.mu.Unlock()

	ch.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (ch *Channel) reconnect(gen uint64) {
	ch.mu.Lock()
	if ch.gen != gen || ch.record.Status == StatusOpen || ch.record.Status == StatusConnecting {
		ch.mu.Unlock()
		return
	}
	ch.gen++
	gen = ch.gen
	ch.retry = nil
	ch.record.Status = StatusConnecting
	ch.mu.Unlock()

	ch.statusSubs.emit(StatusConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	_ = ch.attempt(ctx, gen)
}

// Package gateway implements the WebSocket client for the agent gateway
// protocol: one persistent socket multiplexing RPC request/response pairs and
// a server-pushed event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdeck/internal/domain"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/infra/tracer"
)

const (
	clientVersion = "0.4.0"
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

type stateSub struct {
	id      uint64
	handler domain.StateChangeHandler
}

// Client owns exactly one live gateway socket. Construct one per process and
// share it by reference; it is safe for concurrent use.
//
// Lifecycle: Connect dials, performs the connect handshake, and starts the
// read/write loops. An unexpected close fails all in-flight requests and, if
// reconnection is enabled, arms a backoff timer. Disconnect cancels that
// timer and suppresses any further reconnects.
type Client struct {
	cfg        config.GatewayConfig
	logger     *slog.Logger
	corr       *correlator
	disp       *dispatcher
	limiter    *rate.Limiter
	instanceID string

	mu              sync.Mutex
	state           domain.ConnectionState
	conn            *websocket.Conn
	sendCh          chan Frame
	done            chan struct{}
	hello           *HelloPayload
	shouldReconnect bool
	userClosed      bool
	attempt         int
	reconnectTimer  *time.Timer
	stateSubs       []stateSub
	nextStateSub    uint64

	lastHeartbeat atomic.Int64 // unix nanos of the most recent tick event
}

// NewClient builds an unconnected client from configuration. The per-instance
// identity (instanceId) is generated here so every construction is distinct.
func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ClientID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		cfg.ClientID = "clawdeck-" + host
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = time.Second
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return &Client{
		cfg:        cfg,
		logger:     logger,
		corr:       newCorrelator(logger),
		disp:       newDispatcher(logger),
		limiter:    limiter,
		instanceID: ulid.MustNew(ulid.Now(), entropy).String(),
		state:      domain.StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the handshake response from the current connection, or nil
// when never connected.
func (c *Client) Hello() *HelloPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// LastHeartbeat reports when the most recent tick event arrived; zero time
// when no tick has been seen.
func (c *Client) LastHeartbeat() time.Time {
	ns := c.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// OnStateChange registers a handler fired once per state transition.
// Returns an unsubscribe function.
func (c *Client) OnStateChange(fn domain.StateChangeHandler) func() {
	c.mu.Lock()
	c.nextStateSub++
	id := c.nextStateSub
	c.stateSubs = append(c.stateSubs, stateSub{id: id, handler: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.stateSubs {
			if s.id == id {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// On registers an event handler for one event name (domain.EventWildcard for
// all events). Returns an unsubscribe function; calling it twice is safe.
func (c *Client) On(name domain.EventName, handler domain.EventHandler) func() {
	return c.disp.subscribe(name, handler)
}

// OnAny registers a handler that receives every server-pushed event.
func (c *Client) OnAny(handler domain.EventHandler) func() {
	return c.disp.subscribeAll(handler)
}

// Connect dials the gateway and performs the connect handshake. It is a
// no-op when already connecting or connected. It returns only after the
// handshake response; on failure the state is error and, when reconnection
// is enabled, a retry is already scheduled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.StateConnecting || c.state == domain.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = false
	c.shouldReconnect = c.cfg.Reconnect.Enabled
	notify := c.setStateLocked(domain.StateConnecting)
	c.mu.Unlock()
	notify()

	ctx, span := tracer.StartSpan(ctx, "gateway.connect",
		trace.WithAttributes(tracer.StringAttr("url", c.cfg.URL)))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		tracer.RecordError(span, err)
		return c.failConnect(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
	}
	conn.SetReadLimit(1 << 22)

	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return domain.NewDomainError("Client.Connect", domain.ErrClientDisconnected, "disconnected during dial")
	}
	c.conn = conn
	c.sendCh = make(chan Frame, sendQueueSize)
	c.done = make(chan struct{})
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	go c.writeLoop(conn, sendCh, done)
	go c.readLoop(conn, done)

	hello, err := c.handshake(ctx, sendCh, done)
	if err != nil {
		tracer.RecordError(span, err)
		c.closeSocket(conn, domain.WrapOp("Client.Connect", err))
		return c.failConnect(err)
	}

	if !c.finishConnect(conn, hello) {
		// The socket died between the handshake response and here; the close
		// path has already torn it down and scheduled any retry.
		err := domain.NewDomainError("Client.Connect", domain.ErrConnectionClosed, "socket closed during handshake")
		tracer.RecordError(span, err)
		return err
	}

	tracer.SetOK(span)
	c.logger.Info("gateway connected", "url", c.cfg.URL, "conn_id", connID(hello))
	return nil
}

// finishConnect declares the connection established, unless conn is no longer
// the current socket. Without the generation check a close racing the
// handshake would leave the state connected with no socket and no retry.
func (c *Client) finishConnect(conn *websocket.Conn, hello *HelloPayload) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.attempt = 0
	c.hello = hello
	notify := c.setStateLocked(domain.StateConnected)
	c.mu.Unlock()
	notify()
	return true
}

// handshake sends the connect request as the first frame and waits for its
// response within the handshake timeout.
func (c *Client) handshake(ctx context.Context, sendCh chan Frame, done chan struct{}) (*HelloPayload, error) {
	params := ConnectParams{
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
		Client: ClientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     clientVersion,
			Platform:    c.cfg.Platform,
			Mode:        c.cfg.Mode,
			InstanceID:  c.instanceID,
		},
		Caps:   c.cfg.Caps,
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Auth:   AuthParams{Token: c.cfg.Token},
	}

	id, resCh := c.corr.register("connect", c.cfg.HandshakeTimeout)
	frame, err := NewRequestFrame(id, "connect", params)
	if err != nil {
		c.corr.settle(id, rpcResult{err: err})
		return nil, err
	}

	select {
	case sendCh <- frame:
	case <-done:
		return nil, domain.NewDomainError("Client.Connect", domain.ErrConnectionClosed, "socket closed before handshake")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, domain.NewDomainError("Client.Connect", domain.ErrHandshakeFailed, res.err.Error())
		}
		var hello HelloPayload
		if len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, &hello); err != nil {
				return nil, domain.NewDomainError("Client.Connect", domain.ErrHandshakeFailed, "malformed hello payload")
			}
		}
		return &hello, nil
	case <-ctx.Done():
		c.corr.settle(id, rpcResult{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// failConnect records a connect failure: state error plus a scheduled retry
// when reconnection is still wanted. A Disconnect racing the dial wins and
// leaves the state disconnected.
func (c *Client) failConnect(err error) error {
	c.mu.Lock()
	if c.userClosed {
		notify := c.setStateLocked(domain.StateDisconnected)
		c.mu.Unlock()
		notify()
		return domain.NewDomainError("Client.Connect", domain.ErrClientDisconnected, "")
	}
	notify := c.setStateLocked(domain.StateError)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	notify()

	c.logger.Warn("gateway connect failed", "error", err)
	return err
}

// Disconnect closes the socket, cancels any scheduled reconnect, and fails
// every pending request. Safe to call at any time, including while a connect
// or reconnect is in flight.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.shouldReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempt = 0
	conn := c.conn
	if conn != nil {
		c.conn = nil
		close(c.done)
	}
	notify := c.setStateLocked(domain.StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.corr.failAll(domain.NewDomainError("Client.Disconnect", domain.ErrClientDisconnected, ""))
	notify()
	c.logger.Info("gateway disconnected")
}

// Request issues an RPC with the configured default timeout.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.RequestTimeout(ctx, method, params, c.cfg.RequestTimeout)
}

// RequestTimeout issues an RPC and waits for its response. It fails
// immediately when the socket is not connected; the client never queues
// requests across connections and never retries on its own.
func (c *Client) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.request",
		trace.WithAttributes(tracer.StringAttr("method", method)))
	defer span.End()

	payload, err := c.doRequest(ctx, method, params, timeout)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return payload, nil
}

func (c *Client) doRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != domain.StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, method)
	}
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.WrapOp("Client.Request", err)
		}
	}

	id, resCh := c.corr.register(method, timeout)
	frame, err := NewRequestFrame(id, method, params)
	if err != nil {
		c.corr.settle(id, rpcResult{err: err})
		return nil, err
	}

	select {
	case sendCh <- frame:
	case <-done:
		c.corr.settle(id, rpcResult{err: domain.NewDomainError("Client.Request", domain.ErrConnectionClosed, method)})
	case <-ctx.Done():
		c.corr.settle(id, rpcResult{err: ctx.Err()})
	}

	select {
	case res := <-resCh:
		return res.payload, res.err
	case <-ctx.Done():
		if c.corr.settle(id, rpcResult{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// A response or timeout won the race; the channel holds it.
		res := <-resCh
		return res.payload, res.err
	}
}

// writeLoop is the sole socket writer; it serializes frames from sendCh.
func (c *Client) writeLoop(conn *websocket.Conn, sendCh chan Frame, done chan struct{}) {
	for {
		select {
		case frame := <-sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, conn, frame)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				c.handleClose(conn, err)
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop decodes inbound frames and routes them: responses to the
// correlator, events to the dispatcher. It exits when the socket closes.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	ctx := context.Background()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			c.handleClose(conn, err)
			return
		}

		switch frame.Type {
		case FrameTypeResponse:
			c.corr.resolve(frame)
		case FrameTypeEvent:
			ev := domain.Event{
				Name:         domain.EventName(frame.Event),
				Payload:      frame.Payload,
				Seq:          frame.Seq,
				StateVersion: frame.StateVersion,
				ReceivedAt:   time.Now(),
			}
			if ev.Name == domain.EventTick {
				c.lastHeartbeat.Store(ev.ReceivedAt.UnixNano())
			}
			c.disp.dispatch(ctx, ev)
		case FrameTypeRequest:
			// The gateway never calls into clients.
			c.logger.Debug("unexpected request frame dropped", "method", frame.Method)
		default:
			c.logger.Debug("unknown frame type dropped", "type", string(frame.Type))
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

// closeSocket tears down a socket whose handshake never completed. The
// read loop may already be dismantling it; the generation check keeps the
// two paths from double-closing.
func (c *Client) closeSocket(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		close(c.done)
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.corr.failAll(cause)
}

// handleClose reacts to an unexpected socket close. Stale generations (a
// newer socket already replaced conn) are ignored, which makes the write and
// read loops' racing close reports idempotent.
func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.done)
	notify := c.setStateLocked(domain.StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.corr.failAll(domain.NewDomainError("Client", domain.ErrConnectionClosed, ""))
	notify()
	c.logger.Warn("gateway connection lost", "error", cause)
}

// scheduleReconnectLocked arms the backoff timer. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	if !c.shouldReconnect || c.userClosed || c.reconnectTimer != nil {
		return
	}
	delay := backoffDelay(c.attempt, c.cfg.Reconnect.BaseDelay, c.cfg.Reconnect.MaxDelay)
	c.attempt++
	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Debug("reconnect attempt failed", "error", err)
		}
	})
}

// setStateLocked updates the state and returns a closure that notifies the
// subscribers outside the lock. A transition to the current state is a no-op.
func (c *Client) setStateLocked(s domain.ConnectionState) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	subs := make([]stateSub, len(c.stateSubs))
	copy(subs, c.stateSubs)
	return func() {
		for _, sub := range subs {
			sub.handler(s)
		}
	}
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt >= 63 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func connID(hello *HelloPayload) string {
	if hello == nil || hello.Server == nil {
		return ""
	}
	return hello.Server.ConnID
}

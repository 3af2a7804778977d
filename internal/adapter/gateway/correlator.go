package gateway

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clawdeck/internal/domain"
)

// DefaultRequestTimeout applies when a request carries no explicit deadline.
const DefaultRequestTimeout = 30 * time.Second

// rpcResult is the single settlement value for one in-flight request.
type rpcResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight RPC awaiting its response frame.
// The channel is buffered so settlement never blocks on the caller.
type pendingRequest struct {
	method string
	ch     chan rpcResult
	timer  *time.Timer
}

// correlator turns fire-and-forget frame sends into awaitable calls. Each
// registered id settles exactly once: matching response, timeout, or
// connection failure, whichever wins the race. Ids are never reused while
// pending; ULIDs make reuse impossible across the connection lifetime too.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	entropy *ulid.MonotonicEntropy // guarded by mu; monotonic within one ms, so ids never collide
	logger  *slog.Logger
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		pending: make(map[string]*pendingRequest),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		logger:  logger,
	}
}

// register creates a pending entry with a timeout and returns its id plus the
// channel the settlement arrives on.
func (c *correlator) register(method string, timeout time.Duration) (string, <-chan rpcResult) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := ulid.MustNew(ulid.Now(), c.entropy).String()
	p := &pendingRequest{
		method: method,
		ch:     make(chan rpcResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, rpcResult{err: domain.NewDomainError("Client.Request", domain.ErrRequestTimeout, method)})
	})
	c.pending[id] = p
	return id, p.ch
}

// resolve routes a response frame to its pending entry. A response with an
// unknown or already-settled id is dropped.
func (c *correlator) resolve(f Frame) {
	var res rpcResult
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request id dropped", "id", f.ID)
		return
	}

	if f.OK {
		res = rpcResult{payload: f.Payload}
	} else if f.Error != nil {
		res = rpcResult{err: f.Error.RPCError(p.method)}
	} else {
		res = rpcResult{err: &domain.RPCError{Method: p.method, Message: "request failed"}}
	}
	c.settle(f.ID, res)
}

// settle removes the entry and delivers the result. Returns false when the
// id was already settled (or never existed), making races a no-op.
func (c *correlator) settle(id string, res rpcResult) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	p.ch <- res
	return true
}

// failAll settles every pending request with err. Used on socket close and
// explicit disconnect.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.ch <- rpcResult{err: err}
		c.logger.Debug("pending request failed", "id", id, "method", p.method, "error", err)
	}
}

// inflight reports the number of unsettled requests.
func (c *correlator) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

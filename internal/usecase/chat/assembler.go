// Package chat folds the gateway's per-run event stream into an ordered,
// display-ready message list.
package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clawdeck/internal/domain"
)

// Run states carried in chat.event payloads.
const (
	runStateDelta   = "delta"
	runStateFinal   = "final"
	runStateAborted = "aborted"
	runStateError   = "error"
)

// Gateway is the client surface the assembler needs.
type Gateway interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	On(name domain.EventName, handler domain.EventHandler) func()
}

// Callbacks observe assembler mutations. Both are optional.
type Callbacks struct {
	OnUpdate func(messages []domain.StreamingMessage)
	OnError  func(err error)
}

// Config tunes one assembler. Zero values defer to the gateway request
// timeout and the server-side history default.
type Config struct {
	SessionKey   string
	SendTimeout  time.Duration
	HistoryLimit int
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type sendResult struct {
	RunID string `json:"runId"`
}

type abortParams struct {
	RunID string `json:"runId"`
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type eventMessage struct {
	Content string `json:"content"`
}

type chatEventPayload struct {
	RunID        string        `json:"runId"`
	State        string        `json:"state"`
	Message      *eventMessage `json:"message,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

type agentEventPayload struct {
	RunID     string            `json:"runId"`
	ToolCalls []domain.ToolCall `json:"toolCalls,omitempty"`
}

// pendingEvent is a parsed run event held while chat.send is in flight.
// Exactly one field is set.
type pendingEvent struct {
	chat  *chatEventPayload
	agent *agentEventPayload
}

// maxPendingEvents bounds the events held between issuing chat.send and
// observing its runId.
const maxPendingEvents = 256

// Assembler reconstructs streamed assistant output for one conversation.
// Exactly one run may be active at a time; events carrying any other runId
// are dropped, which prevents cross-talk from aborted or superseded runs.
type Assembler struct {
	gw           Gateway
	logger       *slog.Logger
	cb           Callbacks
	sendTimeout  time.Duration
	historyLimit int

	mu          sync.Mutex
	entropy     *ulid.MonotonicEntropy // guarded by mu
	sessionKey  string
	activeRunID string
	messages    []domain.StreamingMessage
	buffer      strings.Builder
	toolCalls   []domain.ToolCall
	streaming   bool
	pending     []pendingEvent
	unsubs      []func()
}

// New builds an assembler bound to gw and subscribes it to chat and agent
// events. An empty session key gets a generated one. Call Close to detach.
func New(gw Gateway, cfg Config, logger *slog.Logger, cb Callbacks) *Assembler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Assembler{
		gw:           gw,
		logger:       logger,
		cb:           cb,
		sendTimeout:  cfg.SendTimeout,
		historyLimit: cfg.HistoryLimit,
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	sessionKey := cfg.SessionKey
	if sessionKey == "" {
		sessionKey = a.newULID()
	}
	a.sessionKey = sessionKey
	a.unsubs = append(a.unsubs,
		gw.On(domain.EventChat, a.handleChatEvent),
		gw.On(domain.EventAgent, a.handleAgentEvent),
	)
	return a
}

// Close detaches the assembler from the gateway's event stream.
func (a *Assembler) Close() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// SessionKey returns the key grouping this conversation's turns.
func (a *Assembler) SessionKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionKey
}

// Active reports whether a run is currently streaming.
func (a *Assembler) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeRunID != "" || a.streaming
}

// Snapshot returns a copy of the assembled transcript.
func (a *Assembler) Snapshot() []domain.StreamingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Assembler) snapshotLocked() []domain.StreamingMessage {
	out := make([]domain.StreamingMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

// Send appends the user message optimistically, issues chat.send, and records
// the returned runId as active. On RPC failure the streaming flag is reverted
// but the user message stays; the caller re-issues if desired.
func (a *Assembler) Send(ctx context.Context, content string) error {
	a.mu.Lock()
	if a.activeRunID != "" || a.streaming {
		a.mu.Unlock()
		return domain.NewDomainError("Assembler.Send", domain.ErrRunActive, "")
	}
	a.messages = append(a.messages, domain.StreamingMessage{
		ID:        a.newULID(),
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	a.buffer.Reset()
	a.toolCalls = nil
	a.streaming = true
	sessionKey := a.sessionKey
	params := sendParams{
		SessionKey:     sessionKey,
		Message:        content,
		IdempotencyKey: a.newULID(),
	}
	notify := a.updateLocked()
	a.mu.Unlock()
	notify()

	if a.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.sendTimeout)
		defer cancel()
	}

	payload, err := a.gw.Request(ctx, "chat.send", params)
	if err != nil {
		a.mu.Lock()
		a.streaming = false
		a.pending = nil
		a.mu.Unlock()
		return domain.WrapOp("Assembler.Send", err)
	}

	var res sendResult
	if err := json.Unmarshal(payload, &res); err != nil || res.RunID == "" {
		a.mu.Lock()
		a.streaming = false
		a.pending = nil
		a.mu.Unlock()
		return domain.NewDomainError("Assembler.Send", domain.ErrRunFailed, "chat.send returned no runId")
	}

	a.mu.Lock()
	// ClearHistory may have rotated the session while the RPC was in flight;
	// a run from the old session must not become active.
	var post []func()
	if a.sessionKey == sessionKey {
		a.activeRunID = res.RunID
		// The run's events may have been dispatched before the chat.send
		// response was observed here; apply the held ones now, in arrival
		// order. Anything for another run falls to the stale check.
		for _, pe := range a.pending {
			switch {
			case pe.chat != nil:
				notify, streamErr := a.applyChatEventLocked(*pe.chat)
				if notify != nil {
					post = append(post, notify)
				}
				if streamErr != nil && a.cb.OnError != nil {
					err := streamErr
					post = append(post, func() { a.cb.OnError(err) })
				}
			case pe.agent != nil:
				a.applyAgentEventLocked(*pe.agent)
			}
		}
	}
	a.pending = nil
	a.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	return nil
}

// Abort best-effort cancels the active run. A failure is swallowed; abort is
// advisory. With no active run it is a no-op.
func (a *Assembler) Abort(ctx context.Context) {
	a.mu.Lock()
	runID := a.activeRunID
	a.mu.Unlock()
	if runID == "" {
		return
	}
	if _, err := a.gw.Request(ctx, "chat.abort", abortParams{RunID: runID}); err != nil {
		a.logger.Debug("chat.abort failed", "run_id", runID, "error", err)
	}
}

// History fetches the gateway-side transcript for this session. The payload
// stays opaque; rendering it is the caller's concern.
func (a *Assembler) History(ctx context.Context, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = a.historyLimit
	}
	a.mu.Lock()
	sessionKey := a.sessionKey
	a.mu.Unlock()
	return a.gw.Request(ctx, "chat.history", historyParams{SessionKey: sessionKey, Limit: limit})
}

// ClearHistory drops the local transcript and rotates the session key so
// future runs are decoupled from prior history.
func (a *Assembler) ClearHistory() {
	a.mu.Lock()
	a.messages = nil
	a.activeRunID = ""
	a.buffer.Reset()
	a.toolCalls = nil
	a.streaming = false
	a.pending = nil
	a.sessionKey = a.newULID()
	notify := a.updateLocked()
	a.mu.Unlock()
	notify()
}

func (a *Assembler) handleChatEvent(ctx context.Context, ev domain.Event) {
	var p chatEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		a.logger.Debug("malformed chat.event dropped", "error", err)
		return
	}

	a.mu.Lock()
	if a.deferLocked(pendingEvent{chat: &p}) {
		a.mu.Unlock()
		return
	}
	notify, streamErr := a.applyChatEventLocked(p)
	a.mu.Unlock()

	if notify != nil {
		notify()
	}
	if streamErr != nil && a.cb.OnError != nil {
		a.cb.OnError(streamErr)
	}
}

// applyChatEventLocked folds one chat.event into the transcript and returns
// the deferred callback work. Events for any runId other than the active one
// are dropped.
func (a *Assembler) applyChatEventLocked(p chatEventPayload) (notify func(), streamErr error) {
	if p.RunID == "" || p.RunID != a.activeRunID {
		return nil, nil
	}

	switch p.State {
	case runStateDelta:
		if p.Message != nil {
			a.buffer.WriteString(p.Message.Content)
		}
		a.upsertStreamingLocked(a.buffer.String())
		notify = a.updateLocked()
	case runStateFinal:
		content := a.buffer.String()
		if p.Message != nil && p.Message.Content != "" {
			content = p.Message.Content
		}
		a.finalizeLocked(content, "")
		notify = a.updateLocked()
	case runStateAborted:
		content := a.buffer.String()
		if content == "" {
			content = "(aborted)"
		}
		a.finalizeLocked(content, "")
		notify = a.updateLocked()
	case runStateError:
		msg := p.ErrorMessage
		if msg == "" {
			msg = "run failed"
		}
		a.finalizeLocked(a.buffer.String(), msg)
		notify = a.updateLocked()
		streamErr = domain.NewDomainError("Assembler", domain.ErrRunFailed, msg)
	default:
		a.logger.Debug("unknown run state ignored", "state", p.State, "run_id", p.RunID)
	}
	return notify, streamErr
}

func (a *Assembler) handleAgentEvent(ctx context.Context, ev domain.Event) {
	var p agentEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		a.logger.Debug("malformed agent.event dropped", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deferLocked(pendingEvent{agent: &p}) {
		return
	}
	a.applyAgentEventLocked(p)
}

func (a *Assembler) applyAgentEventLocked(p agentEventPayload) {
	if p.RunID == "" || p.RunID != a.activeRunID {
		return
	}
	// Accumulated tool calls surface on the next final.
	a.toolCalls = append(a.toolCalls, p.ToolCalls...)
}

// deferLocked holds a run event that arrived between chat.send being issued
// and its runId being recorded. The read loop can dispatch the run's deltas,
// or even its final, before Send observes the response; dropping them as
// stale would leave the run streaming forever.
func (a *Assembler) deferLocked(pe pendingEvent) bool {
	if !a.streaming || a.activeRunID != "" {
		return false
	}
	if len(a.pending) >= maxPendingEvents {
		a.logger.Debug("pending run event dropped, buffer full")
		return true
	}
	a.pending = append(a.pending, pe)
	return true
}

// upsertStreamingLocked writes content into the in-flight assistant message,
// appending one when the run has produced nothing yet.
func (a *Assembler) upsertStreamingLocked(content string) {
	if n := len(a.messages); n > 0 && a.messages[n-1].IsStreaming {
		a.messages[n-1].Content = content
		return
	}
	a.messages = append(a.messages, domain.StreamingMessage{
		ID:          a.newULID(),
		Role:        domain.RoleAssistant,
		Content:     content,
		Timestamp:   time.Now(),
		IsStreaming: true,
	})
}

// finalizeLocked ends the active run: the last streaming message (created on
// the spot for instant responses with no deltas) gets the final content and
// tool calls, and the accumulator is cleared for the next run.
func (a *Assembler) finalizeLocked(content, errMsg string) {
	a.upsertStreamingLocked(content)
	last := &a.messages[len(a.messages)-1]
	last.IsStreaming = false
	last.ToolCalls = a.toolCalls
	last.Error = errMsg

	a.activeRunID = ""
	a.buffer.Reset()
	a.toolCalls = nil
	a.streaming = false
}

func (a *Assembler) updateLocked() func() {
	if a.cb.OnUpdate == nil {
		return func() {}
	}
	snapshot := a.snapshotLocked()
	return func() { a.cb.OnUpdate(snapshot) }
}

func (a *Assembler) newULID() string {
	return ulid.MustNew(ulid.Now(), a.entropy).String()
}

package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawdeck/internal/domain"
)

type stubGateway struct {
	mu        sync.Mutex
	state     domain.ConnectionState
	heartbeat time.Time
	payloads  map[string]string
	err       error
	calls     []string
}

func (s *stubGateway) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.payloads[method]), nil
}

func (s *stubGateway) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
func (s *stubGateway) LastHeartbeat() time.Time { s.mu.Lock(); defer s.mu.Unlock(); return s.heartbeat }

func newConnectedStub() *stubGateway {
	return &stubGateway{
		state:     domain.StateConnected,
		heartbeat: time.Now(),
		payloads: map[string]string{
			"health":          `{"ok":true}`,
			"status":          `{"agents":1}`,
			"system.presence": `{"online":["deck"]}`,
		},
	}
}

func TestPollPopulatesSnapshot(t *testing.T) {
	gw := newConnectedStub()
	p := New(gw, time.Minute, time.Second, nil)

	p.Poll()

	snap := p.Snapshot()
	assert.JSONEq(t, `{"ok":true}`, string(snap.Health))
	assert.JSONEq(t, `{"agents":1}`, string(snap.Status))
	assert.JSONEq(t, `{"online":["deck"]}`, string(snap.Presence))
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.PolledAt.IsZero())
	assert.Equal(t, gw.LastHeartbeat(), snap.LastHeartbeat)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Equal(t, []string{"health", "status", "system.presence"}, gw.calls)
}

func TestPollSkipsWhenDisconnected(t *testing.T) {
	gw := newConnectedStub()
	gw.state = domain.StateDisconnected
	p := New(gw, time.Minute, time.Second, nil)

	p.Poll()

	snap := p.Snapshot()
	assert.Empty(t, snap.Health)
	assert.Contains(t, snap.LastError, domain.ErrNotConnected.Error())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Empty(t, gw.calls, "disconnected gateway must not be polled")
}

func TestPollRecordsDegradedCycle(t *testing.T) {
	gw := newConnectedStub()
	gw.err = errors.New("gateway overloaded")
	p := New(gw, time.Minute, time.Second, nil)

	p.Poll()

	snap := p.Snapshot()
	assert.Contains(t, snap.LastError, "gateway overloaded")
	assert.Empty(t, snap.Health)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	gw := newConnectedStub()
	gw.err = errors.New("boom")
	p := New(gw, time.Minute, time.Second, nil)

	// Each poll issues several breaker calls; a couple of cycles trips it.
	p.Poll()
	p.Poll()

	gw.mu.Lock()
	callsWhileTripping := len(gw.calls)
	gw.mu.Unlock()

	p.Poll()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, callsWhileTripping, len(gw.calls),
		"open breaker must fail fast without reaching the gateway")
	assert.NotEmpty(t, p.Snapshot().LastError)
}

func TestStartAndStop(t *testing.T) {
	gw := newConnectedStub()
	p := New(gw, 10*time.Millisecond, time.Second, nil)

	require.NoError(t, p.Start())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.Snapshot().Health) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poller never produced a snapshot")
}

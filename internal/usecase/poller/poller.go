// Package poller runs recurring health, status, and presence polls against
// the gateway and keeps the latest snapshot for display.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"

	"clawdeck/internal/domain"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second

	cbMaxFailures uint32 = 3
	cbTimeout            = 60 * time.Second
)

// Gateway is the client surface the poller needs.
type Gateway interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	State() domain.ConnectionState
	LastHeartbeat() time.Time
}

// Snapshot is the latest poll result. Payloads stay opaque; the gateway owns
// their shapes.
type Snapshot struct {
	Health        json.RawMessage
	Status        json.RawMessage
	Presence      json.RawMessage
	LastHeartbeat time.Time
	PolledAt      time.Time
	LastError     string
}

// Poller schedules polls through a cron runner. A circuit breaker stops the
// schedule from hammering a degraded gateway; skipped cycles surface in the
// snapshot's LastError.
type Poller struct {
	gw       Gateway
	cron     *cron.Cron
	breaker  *gobreaker.CircuitBreaker[json.RawMessage]
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New builds a poller; zero durations get defaults.
func New(gw Gateway, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "gateway-poll",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Poller{
		gw:       gw,
		cron:     cron.New(),
		breaker:  cb,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start registers the schedule and begins polling. The first poll runs
// immediately so the snapshot is populated before the first interval elapses.
func (p *Poller) Start() error {
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(spec, p.Poll); err != nil {
		return domain.WrapOp("Poller.Start", err)
	}
	p.cron.Start()
	go p.Poll()
	p.logger.Info("poller started", "interval", p.interval)
	return nil
}

// Stop halts the schedule and waits for a running poll to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("poller stopped")
}

// Snapshot returns the latest poll result.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Poll runs one cycle. Disconnected gateways are skipped rather than counted
// as breaker failures; the connection manager owns reconnection.
func (p *Poller) Poll() {
	if p.gw.State() != domain.StateConnected {
		p.mu.Lock()
		p.snap.LastError = domain.ErrNotConnected.Error()
		p.snap.PolledAt = time.Now()
		p.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var snap Snapshot
	var firstErr error
	for _, q := range []struct {
		method string
		dst    *json.RawMessage
	}{
		{"health", &snap.Health},
		{"status", &snap.Status},
		{"system.presence", &snap.Presence},
	} {
		payload, err := p.breaker.Execute(func() (json.RawMessage, error) {
			return p.gw.Request(ctx, q.method, nil)
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", q.method, err)
			}
			continue
		}
		*q.dst = payload
	}

	snap.LastHeartbeat = p.gw.LastHeartbeat()
	snap.PolledAt = time.Now()
	if firstErr != nil {
		snap.LastError = firstErr.Error()
		p.logger.Debug("poll cycle degraded", "error", firstErr)
	}

	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}

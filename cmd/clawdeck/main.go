// Command clawdeck is a headless control deck for an agent gateway: it keeps
// one WebSocket session open, streams chat from stdin, polls health, and
// journals server-pushed events locally.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/adapter/journal"
	"clawdeck/internal/domain"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/infra/logger"
	"clawdeck/internal/infra/tracer"
	"clawdeck/internal/usecase/chat"
	"clawdeck/internal/usecase/poller"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return domain.WrapOp("load config", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	client := gateway.NewClient(cfg.Gateway, logger.Component(log, "gateway"))
	client.OnStateChange(func(state domain.ConnectionState) {
		log.Info("connection state changed", "state", state.String())
	})

	if cfg.Journal != nil && cfg.Journal.Enabled {
		jlog := logger.Component(log, "journal")
		store, err := journal.New(cfg.Journal.Path, cfg.Journal.KeepLast, jlog)
		if err != nil {
			return err
		}
		defer store.Close()
		defer store.Prune(context.Background())

		// Event handlers run on the socket read loop; the recorder keeps
		// SQLite latency off it.
		rec := journal.NewRecorder(store, 0, jlog)
		defer rec.Close()
		client.OnAny(func(ctx context.Context, ev domain.Event) {
			_ = rec.Record(ctx, ev)
		})
	}

	if err := client.Connect(ctx); err != nil {
		// Reconnects are already scheduled; the deck stays up and degrades
		// to a disconnected view.
		log.Warn("initial connect failed", "error", err)
	}
	defer client.Disconnect()

	// Best-effort: ask the gateway to stream its logs as events.
	if client.State() == domain.StateConnected {
		if _, err := client.Request(ctx, "logs.tail", nil); err != nil {
			log.Debug("logs.tail unavailable", "error", err)
		}
	}

	var polls *poller.Poller
	if cfg.Poller != nil && cfg.Poller.Enabled {
		polls = poller.New(client, cfg.Poller.Interval, cfg.Poller.Timeout, logger.Component(log, "poller"))
		if err := polls.Start(); err != nil {
			return err
		}
		defer polls.Stop()
	}

	assembler := chat.New(client, chat.Config{
		SessionKey:   cfg.Chat.SessionKey,
		SendTimeout:  cfg.Chat.SendTimeout,
		HistoryLimit: cfg.Chat.HistoryLimit,
	}, logger.Component(log, "chat"), chat.Callbacks{
		OnUpdate: printTranscriptTail,
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "stream error: %v\n", err)
		},
	})
	defer assembler.Close()

	fmt.Printf("clawdeck session %s (/abort /clear /status /history /quit)\n", assembler.SessionKey())
	return repl(ctx, client, assembler, polls)
}

// repl reads stdin lines until EOF, /quit, or a signal.
func repl(ctx context.Context, client *gateway.Client, assembler *chat.Assembler, polls *poller.Poller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if done := command(ctx, line, client, assembler, polls); done {
				return nil
			}
		}
	}
}

// command runs one REPL line; returns true on /quit.
func command(ctx context.Context, line string, client *gateway.Client, assembler *chat.Assembler, polls *poller.Poller) bool {
	switch line {
	case "/quit":
		return true
	case "/abort":
		assembler.Abort(ctx)
	case "/clear":
		assembler.ClearHistory()
		fmt.Printf("history cleared, session %s\n", assembler.SessionKey())
	case "/status":
		fmt.Printf("state=%s last_heartbeat=%s\n", client.State(), heartbeatAge(client.LastHeartbeat()))
		if polls != nil {
			snap := polls.Snapshot()
			if snap.LastError != "" {
				fmt.Printf("poll error: %s\n", snap.LastError)
			} else if len(snap.Health) > 0 {
				fmt.Printf("health: %s\n", snap.Health)
			}
		}
	case "/history":
		payload, err := assembler.History(ctx, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
			return false
		}
		fmt.Printf("%s\n", payload)
	default:
		if err := assembler.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
	return false
}

// printTranscriptTail prints the newest message once it stops streaming.
func printTranscriptTail(messages []domain.StreamingMessage) {
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleAssistant || last.IsStreaming {
		return
	}
	if last.Error != "" {
		fmt.Printf("assistant [error: %s]: %s\n", last.Error, last.Content)
		return
	}
	fmt.Printf("assistant: %s\n", last.Content)
	for _, tc := range last.ToolCalls {
		fmt.Printf("  tool: %s %s\n", tc.Name, tc.Status)
	}
}

func heartbeatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String()
}

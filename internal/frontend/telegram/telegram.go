// Package telegram is the admin-facing chat front-end. It mirrors delivery
// outcomes into the admin chat and answers /logs with the recent audit trail.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"innkeep/internal/channel"
	"innkeep/internal/deliverylog"
	"innkeep/internal/eventbus"
	logx "innkeep/pkg/logx"
)

type Config struct {
	Token       string
	AdminChatID int64
	PollTimeout time.Duration
}

type Bot struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	journal *deliverylog.Log

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, journal *deliverylog.Log, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bus:     bus,
		journal: journal,
		bot:     b,
	}, nil
}

func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.runMu.Unlock()

	b.bot.Handle("/logs", b.handleLogs)
	b.bot.Handle("/failed", b.handleFailed)

	if b.bus != nil {
		events, unsub := b.bus.Subscribe(64)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer unsub()
			for {
				select {
				case <-rctx.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					b.renderOutcome(e)
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.bot.Start()
	}()
	b.log.Info("telegram front-end started", logx.Int64("admin_chat", b.cfg.AdminChatID))
}

func (b *Bot) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.bot.Stop()
	b.wg.Wait()
}

// renderOutcome forwards one delivery outcome to the admin chat,
// fire-and-forget.
func (b *Bot) renderOutcome(e eventbus.Event) {
	if b.cfg.AdminChatID == 0 {
		return
	}
	o := e.Outcome
	var text string
	switch e.Type {
	case eventbus.TypeDeliverySent:
		text = fmt.Sprintf("✅ %s to %s delivered (%s, attempt %d)",
			o.Origin, o.Recipient, o.Channel, o.Attempts)
	case eventbus.TypeDeliveryFailed:
		text = fmt.Sprintf("❌ %s to %s failed after %d attempt(s): %s",
			o.Origin, o.Recipient, o.Attempts, o.Error)
	default:
		return
	}
	if _, err := b.bot.Send(tele.ChatID(b.cfg.AdminChatID), text); err != nil {
		b.log.Debug("outcome not mirrored", logx.Err(err))
	}
}

func (b *Bot) handleLogs(c tele.Context) error {
	attempts, err := b.journal.Query(context.Background(), deliverylog.Filter{Limit: 10})
	if err != nil {
		return c.Send("log query failed: " + err.Error())
	}
	return c.Send(formatAttempts(attempts))
}

func (b *Bot) handleFailed(c tele.Context) error {
	attempts, err := b.journal.Query(context.Background(), deliverylog.Filter{
		Outcome: channel.Failed,
		Limit:   10,
	})
	if err != nil {
		return c.Send("log query failed: " + err.Error())
	}
	return c.Send(formatAttempts(attempts))
}

// formatAttempts renders delivery attempts one per line, newest first.
func formatAttempts(attempts []deliverylog.Attempt) string {
	if len(attempts) == 0 {
		return "no delivery attempts recorded"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("last %d delivery attempts:\n", len(attempts)))
	for _, a := range attempts {
		mark := "❌"
		if a.Outcome == channel.Sent {
			mark = "✅"
		}
		sb.WriteString(fmt.Sprintf("%s %s  %s #%d  %s → %s",
			mark,
			a.StartedAt.Format("01-02 15:04"),
			a.Channel, a.AttemptNumber,
			a.RequestID, a.Recipient,
		))
		if a.TransportCode != 0 {
			sb.WriteString(fmt.Sprintf("  [%d]", a.TransportCode))
		}
		if a.ErrorMessage != "" {
			sb.WriteString("  " + truncate(a.ErrorMessage, 80))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

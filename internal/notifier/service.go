package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"timerbot/internal/eventbus"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

// Telegram delivers through a transport Sender to private chats.
//
// It is safe for concurrent use.
type Telegram struct {
	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	stopped atomic.Bool
}

func NewTelegram(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{sender: sender, log: log, bus: bus}
	t.Apply(cfg)
	return t
}

func (t *Telegram) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.SendTimeout < 0 {
		cfg.SendTimeout = 0
	}
	t.mu.Lock()
	t.cfg = cfg
	// Burst equals the per-second rate so a small backlog drains quickly.
	t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	t.mu.Unlock()
}

// Stop rejects further sends. In-flight sends are not interrupted.
func (t *Telegram) Stop() { t.stopped.Store(true) }

func (t *Telegram) Send(ctx context.Context, userID, text string) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	chatID, err := ChatIDFor(userID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	lim := t.limiter
	timeout := t.cfg.SendTimeout
	t.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	_, err = t.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	took := time.Since(start)

	ev := SentEvent{UserID: userID, Took: took}
	if err != nil {
		ev.Error = err.Error()
		t.publish(eventbus.TypeNotifyFailed, ev)
		return err
	}
	t.log.Debug("message delivered", logx.String("user_id", userID), logx.Duration("took", took))
	t.publish(eventbus.TypeNotifySent, ev)
	return nil
}

func (t *Telegram) publish(typ string, ev SentEvent) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// ChatIDFor maps a stored user id to the chat id of the user's private chat.
// On Telegram the two are the same number.
func ChatIDFor(userID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoRoute, userID)
	}
	return id, nil
}

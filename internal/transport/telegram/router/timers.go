package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"timerbot/internal/duetime"
	"timerbot/internal/storage"
	"timerbot/internal/timers"
	logx "timerbot/pkg/logx"
)

// TimerService is the part of timers.Service the chat commands use.
type TimerService interface {
	Request(ctx context.Context, req timers.Request) (timers.Created, error)
	List(ctx context.Context, userID string) ([]storage.Timer, error)
	Config() timers.Config
}

const timerExamples = "Examples: /timer 60, /timer 2h, /timer 1d5h, /timer 45m, /timer 20:30"

// TimerCommands returns /timer and /timers bound to svc. now may be nil.
func TimerCommands(svc TimerService, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	h := &timerHandlers{svc: svc, now: now}
	return []Command{
		{
			Name:        "timer",
			Aliases:     []string{"remind"},
			Description: "set a reminder",
			Usage:       "/timer <duration|HH:MM> [comment]",
			Timeout:     10 * time.Second,
			Handle:      h.create,
		},
		{
			Name:        "timers",
			Description: "list your pending reminders",
			Usage:       "/timers",
			Timeout:     10 * time.Second,
			Handle:      h.list,
		},
	}
}

type timerHandlers struct {
	svc TimerService
	now func() time.Time
}

func (h *timerHandlers) create(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: /timer <duration|HH:MM> [comment]\n"+timerExamples)
	}
	when := req.Args[0]
	comment := strings.TrimSpace(strings.TrimPrefix(req.Rest, when))

	r := timers.Request{
		UserID:  strconv.FormatInt(req.FromID, 10),
		When:    when,
		Comment: comment,
	}
	if req.Message != nil && !req.Message.Private {
		r.ChannelID = strconv.FormatInt(req.Chat.ChatID, 10)
	}

	created, err := h.svc.Request(ctx, r)
	if err != nil {
		if ve, ok := timers.IsValidation(err); ok {
			return req.Reply(ctx, validationText(ve))
		}
		_ = req.Reply(ctx, "⚠️ Could not save the timer, please try again later.")
		return err
	}

	cfg := h.svc.Config()
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Timer #%d set for %s (%s)", created.ID,
		created.DueAt.In(cfg.Location).Format(duetime.DisplayLayout),
		relative(created, h.now()),
	)
	if comment != "" {
		b.WriteString("\n📝 ")
		b.WriteString(comment)
	}
	req.Logger.Debug("timer reply sent", logx.Int64("timer_id", created.ID))
	return req.Reply(ctx, b.String())
}

func relative(c timers.Created, now time.Time) string {
	if c.Kind == duetime.KindDuration {
		return "in " + duetime.FormatDuration(int64(c.Offset/time.Second))
	}
	return humanize.RelTime(c.DueAt, now, "ago", "from now")
}

func validationText(ve *timers.ValidationError) string {
	switch ve.Reason {
	case timers.ReasonTooShort:
		return fmt.Sprintf("❌ Timers must be at least %s long.\n%s", ve.Limit, timerExamples)
	case timers.ReasonCommentTooLong:
		return fmt.Sprintf("❌ Comment is too long (max %s characters).", ve.Limit)
	case timers.ReasonMissingUser:
		return "❌ Could not tell who sent this command."
	default:
		return "❌ Invalid time. Use a duration like 2h30m or a clock time like 20:30.\n" + timerExamples
	}
}

func (h *timerHandlers) list(ctx context.Context, req *Request) error {
	pending, err := h.svc.List(ctx, strconv.FormatInt(req.FromID, 10))
	if err != nil {
		var ve *timers.ValidationError
		if errors.As(err, &ve) {
			return req.Reply(ctx, validationText(ve))
		}
		_ = req.Reply(ctx, "⚠️ Could not load your timers, please try again later.")
		return err
	}
	if len(pending) == 0 {
		return req.Reply(ctx, "No pending timers. Set one with /timer.")
	}

	loc := h.svc.Config().Location
	now := h.now()
	lines := make([]string, 0, len(pending)+1)
	lines = append(lines, fmt.Sprintf("⏳ Pending timers (%d)", len(pending)))
	for _, t := range pending {
		left := int64(t.DueAt.Sub(now) / time.Second)
		line := fmt.Sprintf("#%d %s (in %s)", t.ID, t.DueAt.In(loc).Format(duetime.DisplayLayout), duetime.FormatDuration(left))
		if t.Comment != nil && *t.Comment != "" {
			line += " · " + *t.Comment
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

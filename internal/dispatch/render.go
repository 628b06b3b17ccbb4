package dispatch

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"timerbot/internal/duetime"
	"timerbot/internal/storage"
)

// RenderReminder builds the text delivered when t fires.
//
// The origin chat is mentioned only when it differs from the user's private
// chat, since a reminder set in the private chat needs no pointer back.
func RenderReminder(t storage.Timer, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("⏰ Timer expired!\n")
	b.WriteString("Due: ")
	b.WriteString(t.DueAt.In(loc).Format(duetime.DisplayLayout))
	b.WriteString(" (")
	b.WriteString(humanize.RelTime(t.DueAt, now, "ago", "from now"))
	b.WriteString(")")
	if t.Comment != nil && strings.TrimSpace(*t.Comment) != "" {
		b.WriteString("\n📝 ")
		b.WriteString(*t.Comment)
	}
	if t.ChannelID != nil && *t.ChannelID != "" && *t.ChannelID != t.UserID {
		b.WriteString("\n📍 Set in chat ")
		b.WriteString(*t.ChannelID)
	}
	return b.String()
}

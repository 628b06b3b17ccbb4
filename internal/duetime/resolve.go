package duetime

import (
	"errors"
	"fmt"
	"time"
)

// DisplayLayout is how absolute due times are shown to users.
const DisplayLayout = "Mon, 02 Jan 2006 15:04 MST"

// Kind reports which grammar matched.
type Kind string

const (
	KindClock    Kind = "clock"
	KindDuration Kind = "duration"
)

// ErrUnparseable is returned when neither grammar matches.
var ErrUnparseable = errors.New("duetime: not a duration or clock time")

// MaxOffset is the longest duration Resolve accepts, the largest offset a
// time.Duration can hold at whole-second precision.
const MaxOffset = time.Duration(1<<63-1) / time.Second * time.Second

// Resolution is a resolved due time.
type Resolution struct {
	Kind   Kind
	DueAt  time.Time
	Offset time.Duration
}

// Resolve tries the clock grammar first, then the duration grammar.
//
// No minimum is enforced here; callers apply their own policy per Kind.
func Resolve(raw string, now time.Time) (Resolution, error) {
	if t, ok := ParseClock(raw, now); ok {
		return Resolution{Kind: KindClock, DueAt: t, Offset: t.Sub(now)}, nil
	}
	secs, found := ParseDuration(raw)
	if !found {
		return Resolution{}, ErrUnparseable
	}
	if secs > int64(MaxOffset/time.Second) {
		return Resolution{}, fmt.Errorf("%w: %w", ErrUnparseable, ErrOutOfRange)
	}
	off := time.Duration(secs) * time.Second
	return Resolution{Kind: KindDuration, DueAt: now.Add(off), Offset: off}, nil
}

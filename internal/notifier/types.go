package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRoute means the user id cannot be mapped to a chat.
	ErrNoRoute = errors.New("notifier: no route to user")
	ErrStopped = errors.New("notifier stopped")
)

// Notifier sends one message to one user.
type Notifier interface {
	Send(ctx context.Context, userID string, text string) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, userID string, text string) error

func (f Func) Send(ctx context.Context, userID, text string) error { return f(ctx, userID, text) }

type Config struct {
	RatePerSec int
	// SendTimeout bounds a single delivery; 0 leaves it to the transport.
	SendTimeout time.Duration
}

// SentEvent is published on the event bus after each attempt.
type SentEvent struct {
	UserID string        `json:"user_id"`
	Took   time.Duration `json:"took"`
	Error  string        `json:"error,omitempty"`
}

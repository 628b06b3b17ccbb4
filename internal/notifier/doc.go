// Package notifier delivers a reminder text to a user.
//
// The dispatch loop depends only on the Notifier interface, so delivery can be
// swapped (or faked in tests) without touching the loop. The Telegram
// implementation sends a private message to the chat whose id equals the
// user id, throttled by a token bucket shared across all deliveries.
//
// A Send error is final: the caller records it and never retries.
package notifier

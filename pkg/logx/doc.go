// Package logx configures timerbot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog:
//   - console output with short timestamps and file:line callers
//   - optional JSON file sink
//   - optional operator chat sink, gated by min level and a rate limiter
//
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks for every component at once.
package logx

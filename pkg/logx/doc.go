// Package logx is a small structured-logging kit on top of zerolog.
//
// It provides:
//   - a Field-based call API (String, Int64, Err, ...)
//   - console and append-file sinks
//   - an optional rate-limited Telegram sink for WARN+ records, so
//     operators see delivery failures in a log chat without spam
package logx

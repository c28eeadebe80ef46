// Package logx provides the structured logging layer for postbot.
//
// It wraps zerolog behind a small Logger value type with slog-style field
// helpers, plus a Service that can swap sinks and levels at runtime (used
// by config hot-reload). The zero-value Logger is a safe no-op, so
// components can log unconditionally without nil checks.
package logx

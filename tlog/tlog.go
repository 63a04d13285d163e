// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tlog provides the small structured-logging seam the rest of the
// module writes through. It mirrors the Logger/Helper/Filter shape the
// original tooling exposed from its own log sub-package, but is backed by
// the standard library's slog instead of a third-party logger: none of the
// reference repos settle on one logging library, so there is no grounded
// dependency to adopt here.
package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Level mirrors slog.Level but keeps callers from needing the slog import
// just to pick a filter threshold.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the minimal interface the rest of the module depends on.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, kv ...any)
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	base *slog.Logger
}

// NewStdLogger returns a Logger that writes text-formatted records to w.
func NewStdLogger(w *os.File) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: LevelDebug})
	return &slogLogger{base: slog.New(h)}
}

func (l *slogLogger) Log(ctx context.Context, level Level, msg string, kv ...any) {
	l.base.Log(ctx, level, msg, kv...)
}

// filter wraps a Logger and drops records below a minimum level.
type filter struct {
	next Logger
	min  Level
}

// NewFilter returns a Logger that only forwards records at or above min.
func NewFilter(next Logger, min Level) Logger {
	return &filter{next: next, min: min}
}

func (f *filter) Log(ctx context.Context, level Level, msg string, kv ...any) {
	if level < f.min {
		return
	}
	f.next.Log(ctx, level, msg, kv...)
}

// Helper is a printf-style convenience wrapper around a Logger, the same
// shape call sites throughout this module reach for instead of touching the
// Logger interface directly.
type Helper struct {
	log Logger
	ctx context.Context
}

// NewHelper wraps log in a Helper using context.Background.
func NewHelper(log Logger) *Helper {
	return &Helper{log: log, ctx: context.Background()}
}

func (h *Helper) Debugf(format string, args ...any) { h.log.Log(h.ctx, LevelDebug, fmt.Sprintf(format, args...)) }
func (h *Helper) Infof(format string, args ...any)   { h.log.Log(h.ctx, LevelInfo, fmt.Sprintf(format, args...)) }
func (h *Helper) Warnf(format string, args ...any)   { h.log.Log(h.ctx, LevelWarn, fmt.Sprintf(format, args...)) }
func (h *Helper) Errorf(format string, args ...any)  { h.log.Log(h.ctx, LevelError, fmt.Sprintf(format, args...)) }

// Default returns a Helper that logs warnings and above to stderr, the
// fallback used whenever a caller doesn't supply its own logger.
func Default() *Helper {
	return NewHelper(NewFilter(NewStdLogger(os.Stderr), LevelWarn))
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dex holds small primitives shared by every other package in this
// module: logging, actor lifecycle supervision, money types, and ids.
package dex

import (
	"io"
	"os"
	"sync"

	"github.com/decred/slog"
)

// Logger is the interface every component logs through. It is satisfied by
// *slog.Logger; components never depend on slog directly so tests can swap
// in a discard logger.
type Logger = slog.Logger

// LoggerMaker produces subsystem loggers sharing one backend and one log
// level mapping, one per named subsystem (relay, exchange, order, ...).
type LoggerMaker struct {
	backend      *slog.Backend
	mtx          sync.Mutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewLoggerMaker creates a LoggerMaker writing to w (in addition to stdout)
// with defaultLevel applied to any subsystem not named in levels.
func NewLoggerMaker(w io.Writer, defaultLevel slog.Level, levels map[string]slog.Level) *LoggerMaker {
	out := io.Writer(os.Stdout)
	if w != nil {
		out = io.MultiWriter(out, w)
	}
	merged := make(map[string]slog.Level, len(levels))
	for k, v := range levels {
		merged[k] = v
	}
	return &LoggerMaker{
		backend:      slog.NewBackend(out),
		defaultLevel: defaultLevel,
		levels:       merged,
	}
}

// Logger returns the named subsystem's logger, creating it with the
// configured level (or the default) on first use.
func (lm *LoggerMaker) Logger(subsystem string) slog.Logger {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	lvl, ok := lm.levels[subsystem]
	if !ok {
		lvl = lm.defaultLevel
	}
	l := lm.backend.Logger(subsystem)
	l.SetLevel(lvl)
	return l
}

// NoopLogger returns a logger that discards everything, used as the
// package-level default in components before a caller installs a real
// logger via their SetLogger.
func NoopLogger() slog.Logger {
	l := slog.NewBackend(io.Discard).Logger("")
	l.SetLevel(slog.LevelOff)
	return l
}

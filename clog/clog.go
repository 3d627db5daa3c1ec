// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides the Logger collaborator every core component takes
// at construction. There is no process-wide logger singleton (design note,
// spec §9): callers build one Logger per participant and pass it down.
package clog

import (
	"io"
	"log"
)

// Logger is the logging collaborator accepted by every component. Debugf is
// for high-volume, usually-silenced tracing (e.g. every grant decision);
// Infof for state transitions; Warnf for recoverable anomalies (spec §4.5,
// the SyncMaster's "switch to Running from unexpected state" case); Errorf
// for anything that surfaces a Kind in errcore.
type Logger interface {
	Debugf(format string, a ...any)
	Infof(format string, a ...any)
	Warnf(format string, a ...any)
	Errorf(format string, a ...any)
}

// StdLogger wraps a standard library *log.Logger with a prefix and a
// verbosity gate, mirroring the teacher's CLogger but generalized to four
// levels since the core now emits warnings the teacher's logger had no
// level for.
type StdLogger struct {
	logger *log.Logger
	debug  bool // emit Debugf output; Infof/Warnf/Errorf are never silenced
}

// New creates a StdLogger writing to w with the given prefix. debug
// controls whether Debugf output is emitted.
func New(w io.Writer, prefix string, debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(w, prefix, log.Ldate|log.Ltime|log.Lmicroseconds|log.Lmsgprefix),
		debug:  debug,
	}
}

func (l *StdLogger) Debugf(format string, a ...any) {
	if !l.debug {
		return
	}
	l.logger.Printf("DEBUG "+format, a...)
}

func (l *StdLogger) Infof(format string, a ...any) { l.logger.Printf("INFO "+format, a...) }
func (l *StdLogger) Warnf(format string, a ...any) { l.logger.Printf("WARN "+format, a...) }
func (l *StdLogger) Errorf(format string, a ...any) { l.logger.Printf("ERROR "+format, a...) }

// discardLogger is the no-op Logger, used by default in tests.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...any) {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Errorf(string, ...any) {}

// Discard returns a Logger that drops everything.
func Discard() Logger { return discardLogger{} }

// UuidShort returns the first segment of a string in UUID v4 format (up to
// the first hyphen); otherwise the complete string is returned.
func UuidShort(id string) string {
	for i, r := range id {
		if r == '-' {
			return id[:i]
		}
	}
	return id
}

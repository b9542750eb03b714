// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// Package loglevel provides a minimal leveled wrapper over the standard log package.
package loglevel

import (
	"fmt"
	"log"

	"github.com/pkg/errors"
)

// Level is a verbosity threshold gating Logger output.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// ParseLevel parses the CLI-facing spelling of a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return 0, errors.Errorf("unknown log level %q", s)
	}
}

// Logger gates log.Default() output by a minimum Level.
type Logger struct {
	Min Level
}

// New constructs a Logger at the given minimum level.
func New(min Level) *Logger {
	return &Logger{Min: min}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.Min {
		return
	}
	log.Output(3, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }

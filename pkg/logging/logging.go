// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging configures the process-wide zerolog logger
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the configured level when set
const LevelEnv = "DELTASTAT_LOG_LEVEL"

// Options controls logger construction
type Options struct {
	Level string    // trace, debug, info, warn, error; empty means info
	JSON  bool      // emit JSON lines instead of console output
	Out   io.Writer // defaults to stderr
}

// ParseLevel maps a level name to a zerolog level
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// New builds a logger and installs it as the global log.Logger
func New(app string, opts Options) (zerolog.Logger, error) {
	name := opts.Level
	if env := os.Getenv(LevelEnv); env != "" {
		name = env
	}
	level, err := ParseLevel(name)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}

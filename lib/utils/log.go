// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Log output formats accepted by InitLogger.
const (
	// LogFormatText emits human-readable log lines.
	LogFormatText = "text"
	// LogFormatJSON emits one JSON object per log line.
	LogFormatJSON = "json"
)

// InitLogger configures the default slog logger with the given severity and
// format and returns it. Everything in the process logs through slog, so
// this is called exactly once, early in main.
func InitLogger(severity, format string) (*slog.Logger, error) {
	level, err := ParseLogLevel(severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	handler, err := newLogHandler(os.Stderr, level, format)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// NewLoggerForTests returns a verbose logger suitable for tests. It writes
// to stderr so `go test -v` interleaves it with test output.
func NewLoggerForTests() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// NewSlogLoggerForTests is an alias kept for symmetry with older call
// sites in tests.
func NewSlogLoggerForTests() *slog.Logger {
	return NewLoggerForTests()
}

// DiscardLogger drops everything logged through it.
var DiscardLogger = slog.New(slog.DiscardHandler)

// ParseLogLevel converts a config severity string into a slog level.
func ParseLogLevel(severity string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log severity %q", severity)
}

func newLogHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", LogFormatText:
		return slog.NewTextHandler(w, opts), nil
	case LogFormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, trace.BadParameter("unsupported log format %q", format)
}

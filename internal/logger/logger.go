// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the package-level logging surface used by the
// write-behind cache core. It wraps log/slog with a TRACE level below
// slog's Debug, since slog has no notion of TRACE.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Severity names accepted by SetLoggingLevel, matching the core's
// configuration surface (§6 of the design).
const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 4
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: Trace,
	LevelWarn:  Warning,
}

type loggerFactory struct {
	mu     sync.Mutex
	writer io.Writer
	format string // "text" or "json"
	level  *slog.LevelVar
}

func (f *loggerFactory) handler(prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
				a.Key = "severity"
			}
			if a.Key == slog.MessageKey && prefix != "" {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(f.writer, opts)
	}
	return slog.NewTextHandler(f.writer, opts)
}

var (
	defaultLoggerFactory = &loggerFactory{
		writer: os.Stderr,
		format: "text",
		level:  new(slog.LevelVar),
	}
	defaultLogger = slog.New(defaultLoggerFactory.handler(""))
)

func rebuild() {
	defaultLogger = slog.New(defaultLoggerFactory.handler(""))
}

// SetOutput redirects the default logger's output, e.g. to a test buffer.
func SetOutput(w io.Writer) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()
	defaultLoggerFactory.writer = w
	rebuild()
}

// SetFormat selects "text" or "json" output, matching the teacher's
// internal/logger log-format option.
func SetFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()
	defaultLoggerFactory.format = format
	rebuild()
}

// SetLoggingLevel parses one of Trace/Debug/Info/Warning/Error/Off
// (case-insensitive) and applies it to the default logger.
func SetLoggingLevel(severity string) {
	var level slog.Level
	switch strings.ToUpper(severity) {
	case Trace:
		level = LevelTrace
	case Debug:
		level = LevelDebug
	case Info:
		level = LevelInfo
	case Warning:
		level = LevelWarn
	case Error:
		level = LevelError
	case Off:
		level = LevelOff
	default:
		level = LevelInfo
	}
	defaultLoggerFactory.level.Set(level)
}

func Tracef(format string, args ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides the structured logging surface of this module:
// the root jio package (commit and rollback traces, recovery-at-open and
// close failures) and the CLI log through here rather than the bare "log"
// package, so that a
// caller can switch between human-readable text and machine-parseable
// JSON, gate verbosity, and route to a rotating file without touching
// call sites.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names, ordered least to most verbose-suppressing.
type Severity string

const (
	TRACE   Severity = "TRACE"
	DEBUG   Severity = "DEBUG"
	INFO    Severity = "INFO"
	WARNING Severity = "WARNING"
	ERROR   Severity = "ERROR"
	OFF     Severity = "OFF"
)

// Custom slog levels: TRACE sits below slog's built-in Debug, OFF sits
// above Error so that nothing at all is emitted.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// LogRotateConfig mirrors the knobs lumberjack exposes for the on-disk
// journal/commit log.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// Config selects where and how logs are written.
type Config struct {
	FilePath  string
	Format    string // "text" or "json"; empty behaves as "json"
	Severity  Severity
	LogRotate LogRotateConfig
}

type loggerFactory struct {
	mu sync.Mutex

	// file is non-nil once InitLogFile has validated and opened the target
	// path; the actual writes go through async, which wraps a lumberjack
	// rotator pointed at the same path.
	file      *os.File
	sysWriter io.Writer
	async     *AsyncLogger

	format          string
	level           Severity
	logRotateConfig LogRotateConfig
}

func (f *loggerFactory) sink() io.Writer {
	if f.async != nil {
		return f.async
	}
	if f.sysWriter != nil {
		return f.sysWriter
	}
	return os.Stderr
}

// createJsonOrTextHandler builds a slog.Handler writing to w, gated by
// level, with every message prefixed by prefix. Output shape depends on
// f.format: "text" yields `time="..." severity=INFO message="..."`, and
// anything else (including "") yields
// `{"timestamp":{"seconds":N,"nanos":N},"severity":"INFO","message":"..."}`.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: attrReplacer(f.format, prefix),
	}
	if f.format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func attrReplacer(format, prefix string) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			t := a.Value.Time()
			if format == "text" {
				return slog.Attr{Key: "time", Value: slog.StringValue(t.Format("2006/01/02 15:04:05.000000"))}
			}
			return slog.Attr{Key: "timestamp", Value: slog.GroupValue(
				slog.Int64("seconds", t.Unix()),
				slog.Int64("nanos", int64(t.Nanosecond())),
			)}
		case slog.LevelKey:
			lvl, _ := a.Value.Any().(slog.Level)
			return slog.Attr{Key: "severity", Value: slog.StringValue(severityName(lvl))}
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: slog.StringValue(prefix + a.Value.String())}
		}
		return a
	}
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return string(TRACE)
	case l < LevelInfo:
		return string(DEBUG)
	case l < LevelWarn:
		return string(INFO)
	case l < LevelError:
		return string(WARNING)
	default:
		return string(ERROR)
	}
}

func setLoggingLevel(s Severity, pv *slog.LevelVar) {
	switch s {
	case TRACE:
		pv.Set(LevelTrace)
	case DEBUG:
		pv.Set(LevelDebug)
	case WARNING:
		pv.Set(LevelWarn)
	case ERROR:
		pv.Set(LevelError)
	case OFF:
		pv.Set(LevelOff)
	default:
		pv.Set(LevelInfo)
	}
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{
		level:           INFO,
		format:          "json",
		sysWriter:       os.Stderr,
		logRotateConfig: DefaultLogRotateConfig(),
	}
	defaultLogger = rebuild()
)

func rebuild() *slog.Logger {
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	return slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.sink(), programLevel, ""))
}

// SetLogFormat switches between "text" and "json" output for the default
// logger. An empty string behaves as "json".
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()
	defaultLoggerFactory.format = format
	defaultLogger = rebuild()
}

// SetSeverity changes the minimum severity the default logger emits.
func SetSeverity(s Severity) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()
	defaultLoggerFactory.level = s
	defaultLogger = rebuild()
}

// InitLogFile points the default logger at a rotating file on disk,
// replacing whatever sink (stderr, by default) it used before. The
// rotation itself is handled by lumberjack; writes are funnelled through
// an AsyncLogger so a slow disk never blocks a commit's logging calls.
func InitLogFile(cfg Config) error {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file %q: %w", cfg.FilePath, err)
	}

	rotate := cfg.LogRotate
	if rotate == (LogRotateConfig{}) {
		rotate = DefaultLogRotateConfig()
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}

	if defaultLoggerFactory.async != nil {
		_ = defaultLoggerFactory.async.Close()
	}
	if defaultLoggerFactory.file != nil {
		_ = defaultLoggerFactory.file.Close()
	}

	defaultLoggerFactory.file = f
	defaultLoggerFactory.sysWriter = nil
	defaultLoggerFactory.async = NewAsyncLogger(lj, 256)
	defaultLoggerFactory.format = cfg.Format
	defaultLoggerFactory.level = cfg.Severity
	defaultLoggerFactory.logRotateConfig = rotate

	defaultLogger = rebuild()
	return nil
}

func logAt(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { logAt(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { logAt(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { logAt(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { logAt(LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { logAt(LevelError, format, v...) }

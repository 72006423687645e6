// Copyright 2024 Alexandre Mahdhaoui
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

// Package logging provides shared logging utilities for the tansiv binaries.
// Records are written through zap; log/slog and logr are both bridged onto the
// same zap core so every package can log with *slog.Logger.
package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (console encoder, more verbose).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New builds a logr.Logger backed by zap. Logs go to stderr so stdout stays
// free for command output.
func New(opts Options) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(opts.Level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("building zap logger: %w", err)
	}

	return zapr.NewLogger(zl), nil
}

// Setup configures the default slog logger on top of a zap-backed logr.Logger
// and returns both. It must be called early in main().
func Setup(opts Options) (*slog.Logger, logr.Logger, error) {
	logger, err := New(opts)
	if err != nil {
		return nil, logr.Discard(), err
	}

	sl := slog.New(logr.ToSlogHandler(logger))
	slog.SetDefault(sl)

	return sl, logger, nil
}

// zapLevel maps a slog level onto zap. logr.ToSlogHandler turns slog levels
// below info into V(-level), which zapr emits at zap level level. Warnings
// share V(0) with info records.
func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l < slog.LevelInfo:
		return zapcore.Level(l)
	case l < slog.LevelError:
		return zapcore.InfoLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for level, want := range map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		"INFO":   zapcore.InfoLevel,
		" warn ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	} {
		log, err := New(level)
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if !log.Core().Enabled(want) {
			t.Errorf("%q: %v disabled", level, want)
		}
		if want > zapcore.DebugLevel && log.Core().Enabled(want-1) {
			t.Errorf("%q: %v enabled", level, want-1)
		}
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Error("invalid level accepted")
	}
	if log := Named("loud", "x"); log.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("fallback logger is not a no-op")
	}
}

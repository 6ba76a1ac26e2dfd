// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/noldarim/pipelinecore/internal/config"
)

func TestStaticLoggerGetters(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
		Levels: map[string]string{
			"executor": "debug",
			"mapper":   "warn",
			"session":  "error",
			"fork":     "trace",
			"listener": "info",
			"http":     "debug",
		},
		Context: config.LogContextConfig{
			IncludeTimestamp: true,
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	tests := []struct {
		name          string
		getterFunc    func() zerolog.Logger
		expectedLevel zerolog.Level
	}{
		{"executor_logger", GetExecutorLogger, zerolog.DebugLevel},
		{"mapper_logger", GetMapperLogger, zerolog.WarnLevel},
		{"session_logger", GetSessionLogger, zerolog.ErrorLevel},
		{"fork_logger", GetForkLogger, zerolog.TraceLevel},
		{"listener_logger", GetListenerLogger, zerolog.InfoLevel},
		{"http_logger", GetHTTPLogger, zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := tt.getterFunc()
			testLogger := logger.With().Str("test", "value").Logger()

			switch tt.expectedLevel {
			case zerolog.TraceLevel:
				testLogger.Trace().Msg("trace test")
				testLogger.Debug().Msg("debug test")
				testLogger.Info().Msg("info test")
				testLogger.Warn().Msg("warn test")
				testLogger.Error().Msg("error test")
			case zerolog.DebugLevel:
				testLogger.Debug().Msg("debug test")
				testLogger.Info().Msg("info test")
				testLogger.Warn().Msg("warn test")
				testLogger.Error().Msg("error test")
			case zerolog.InfoLevel:
				testLogger.Info().Msg("info test")
				testLogger.Warn().Msg("warn test")
				testLogger.Error().Msg("error test")
			case zerolog.WarnLevel:
				testLogger.Warn().Msg("warn test")
				testLogger.Error().Msg("error test")
			case zerolog.ErrorLevel:
				testLogger.Error().Msg("error test")
			}

			logger2 := tt.getterFunc()
			logger2.Info().Msg("second logger test")
		})
	}
}

func TestStaticLoggerGetters_Uninitialized(t *testing.T) {
	originalManager := globalManager
	globalManager = nil
	defer func() {
		globalManager = originalManager
	}()

	tests := []struct {
		name       string
		getterFunc func() zerolog.Logger
	}{
		{"executor_uninitialized", GetExecutorLogger},
		{"mapper_uninitialized", GetMapperLogger},
		{"session_uninitialized", GetSessionLogger},
		{"fork_uninitialized", GetForkLogger},
		{"listener_uninitialized", GetListenerLogger},
		{"http_uninitialized", GetHTTPLogger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := tt.getterFunc()
			logger.Info().Str("test", "uninitialized").Msg("test message")
			logger.Error().Str("test", "uninitialized").Msg("error message")
		})
	}
}

func TestStaticLoggerGetters_Consistency(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	tests := []struct {
		name       string
		getterFunc func() zerolog.Logger
		pkgName    string
	}{
		{"executor_consistency", GetExecutorLogger, "executor"},
		{"mapper_consistency", GetMapperLogger, "mapper"},
		{"session_consistency", GetSessionLogger, "session"},
		{"fork_consistency", GetForkLogger, "fork"},
		{"listener_consistency", GetListenerLogger, "listener"},
		{"http_consistency", GetHTTPLogger, "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			staticLogger := tt.getterFunc()
			directLogger := GetLogger(tt.pkgName)

			staticLogger.Info().Msg("static logger test")
			directLogger.Info().Msg("direct logger test")
		})
	}
}

func TestStaticLoggerGetters_PackageSpecificLevels(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
		Levels: map[string]string{
			"executor": "debug",
			"mapper":   "error",
			"session":  "trace",
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	executorLogger := GetExecutorLogger()
	executorLogger.Debug().Msg("executor debug message")
	executorLogger.Info().Msg("executor info message")

	mapperLogger := GetMapperLogger()
	mapperLogger.Error().Msg("mapper error message")

	sessionLogger := GetSessionLogger()
	sessionLogger.Trace().Msg("session trace message")
	sessionLogger.Debug().Msg("session debug message")

	forkLogger := GetForkLogger()
	forkLogger.Info().Msg("fork info message")
}

func TestStaticLoggerGetters_DynamicLevelChanges(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	logger := GetExecutorLogger()

	if globalManager != nil {
		globalManager.SetPackageLevel("executor", "debug")
	}

	logger.Debug().Msg("debug message after level change")
	logger.Info().Msg("info message after level change")

	logger2 := GetExecutorLogger()
	logger2.Debug().Msg("debug message from new logger instance")
}

// Benchmark tests for static getters
func BenchmarkStaticLoggerGetters(b *testing.B) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		b.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	b.Run("GetExecutorLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetExecutorLogger()
		}
	})

	b.Run("GetSessionLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetSessionLogger()
		}
	})

	b.Run("GetForkLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetForkLogger()
		}
	})

	b.Run("Direct_GetLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetLogger("executor")
		}
	})
}

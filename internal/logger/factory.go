// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetExecutorLogger returns a logger for the pipeline executor.
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetMapperLogger returns a logger for the parameter mapper.
func GetMapperLogger() zerolog.Logger {
	return GetLogger("mapper")
}

// GetSessionLogger returns a logger for the session store façade.
func GetSessionLogger() zerolog.Logger {
	return GetLogger("session")
}

// GetForkLogger returns a logger for the fork/split engine.
func GetForkLogger() zerolog.Logger {
	return GetLogger("fork")
}

// GetListenerLogger returns a logger for the listener bus.
func GetListenerLogger() zerolog.Logger {
	return GetLogger("listener")
}

// GetHTTPLogger returns a logger for the HTTP control plane.
func GetHTTPLogger() zerolog.Logger {
	return GetLogger("http")
}

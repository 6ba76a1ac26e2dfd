// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sync"

	"github.com/noldarim/pipelinecore/internal/logger"
	"github.com/rs/zerolog"
)

// Component loggers are lazily bound on first use (mirroring
// internal/orchestrator's getLog pattern) so they pick up whatever
// internal/logger.Initialize configured at startup, rather than whatever was
// configured (or not yet configured) at package init time.

var (
	executorLog     *zerolog.Logger
	executorLogOnce sync.Once

	mapperLog     *zerolog.Logger
	mapperLogOnce sync.Once

	forkLog     *zerolog.Logger
	forkLogOnce sync.Once

	listenerLog     *zerolog.Logger
	listenerLogOnce sync.Once
)

func getExecutorLog() *zerolog.Logger {
	executorLogOnce.Do(func() {
		l := logger.GetExecutorLogger()
		executorLog = &l
	})
	return executorLog
}

func getMapperLog() *zerolog.Logger {
	mapperLogOnce.Do(func() {
		l := logger.GetMapperLogger()
		mapperLog = &l
	})
	return mapperLog
}

func getForkLog() *zerolog.Logger {
	forkLogOnce.Do(func() {
		l := logger.GetForkLogger()
		forkLog = &l
	})
	return forkLog
}

func getListenerLog() *zerolog.Logger {
	listenerLogOnce.Do(func() {
		l := logger.GetListenerLogger()
		listenerLog = &l
	})
	return listenerLog
}

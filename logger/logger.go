// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package logger

import (
	"io"
	"sync"

	log_prefixed "github.com/chappjc/logrus-prefix"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

var (
	globalLogger   *logrus.Logger
	getLoggerMutex sync.Mutex
)

// GetLogger returns a configured logger instance
func GetLogger(prefix string) *logrus.Entry {
	if prefix == "" {
		prefix = "<no prefix>"
	}
	if globalLogger == nil {
		getLoggerMutex.Lock()
		defer getLoggerMutex.Unlock()
		logger := logrus.New()
		logger.SetFormatter(&log_prefixed.TextFormatter{
			FullTimestamp: true,
		})
		globalLogger = logger
	}
	return globalLogger.WithField("prefix", prefix)
}

// WithFile logs to the specified file in addition to the existing output.
func WithFile(log *logrus.Entry, logfile string) {
	log.Logger.AddHook(lfshook.NewHook(logfile, &logrus.TextFormatter{}))
}

// WithNoStdOutErr disables logging to stdout/stderr.
func WithNoStdOutErr(log *logrus.Entry) {
	log.Logger.SetOutput(io.Discard)
}

// DebugHandling and DebugPackets extend logrus's level scale below
// TraceLevel, ported from dhcpkit's DEBUG_HANDLING/DEBUG_PACKETS
// (common/server/logging/__init__.py): two extra shades of verbosity
// below plain debug logging, for handler-chain decision tracing and
// full packet dumps respectively.
const (
	DebugHandling logrus.Level = logrus.TraceLevel + 1
	DebugPackets  logrus.Level = logrus.TraceLevel + 2
)

// SetVerbosity sets log's level from an additive verbosity count (the
// repeated `-v` flag), ported from dhcpkit's set_verbosity_logger: each
// step shows everything the previous step did, plus one more shade of
// detail.
func SetVerbosity(log *logrus.Entry, verbosity int) {
	var level logrus.Level
	switch {
	case verbosity >= 5:
		level = DebugPackets
	case verbosity >= 4:
		level = DebugHandling
	case verbosity >= 3:
		level = logrus.DebugLevel
	case verbosity == 2:
		level = logrus.InfoLevel
	case verbosity == 1:
		level = logrus.WarnLevel
	default:
		level = logrus.ErrorLevel
	}
	log.Logger.SetLevel(level)
}

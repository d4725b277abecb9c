/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logging wires zerolog through the engine and adapts it to the
// pion LoggerFactory interface for the protocol stacks that expect one.
package logging

import (
	"io"
	"os"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// Setup configures a process-level zerolog logger. Library consumers
// normally pass their own logger into the engine instead; this mirrors the
// environment-driven setup used by the services that embed it.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, nil)
}

// SetupWithWriter configures zerolog with an additional writer.
func SetupWithWriter(environment string, additionalWriter io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout}
	var writer io.Writer = consoleWriter
	if additionalWriter != nil {
		writer = zerolog.MultiLevelWriter(consoleWriter, additionalWriter)
	}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

// Factory adapts zerolog to pion's logging.LoggerFactory so DTLS and SCTP
// log through the same sink as the rest of the engine.
type Factory struct {
	Logger zerolog.Logger
}

// NewLogger returns a scoped leveled logger.
func (f Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.Logger.With().Str("component", scope).Logger()}
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l *leveledLogger) Trace(msg string)                          { l.logger.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.logger.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.logger.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.logger.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.logger.Info().Msgf(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.logger.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.logger.Warn().Msgf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.logger.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/creachadair/synapse"
	"github.com/rs/zerolog"
)

// envLogLevel names the environment variable that sets the log level when
// the --log-level flag is not given.
const envLogLevel = "SYNAPSE_LOG_LEVEL"

// newLogger returns a console logger writing to w at the given level. If
// level == "", the level is taken from the environment, defaulting to info.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	if level == "" {
		level = os.Getenv(envLogLevel)
	}
	lvl := zerolog.InfoLevel
	if s := strings.ToLower(strings.TrimSpace(level)); s != "" {
		var err error
		lvl, err = zerolog.ParseLevel(s)
		if err != nil {
			return zerolog.Nop(), err
		}
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", "synapse").Logger(), nil
}

// logDispatcher installs hooks on d that log its activity to log.
func logDispatcher(d *synapse.Dispatcher, log zerolog.Logger) *synapse.Dispatcher {
	return d.
		LogMessages(func(m synapse.MessageInfo) {
			log.Trace().Bool("sent", m.Sent).Bytes("data", m.Data).Msg("message")
		}).
		OnError(func(err error) {
			log.Warn().Err(err).Msg("dispatcher error")
		}).
		OnClose(func(err error) {
			if err != nil {
				log.Error().Err(err).Msg("transport failed")
			} else {
				log.Info().Msg("transport closed")
			}
		})
}

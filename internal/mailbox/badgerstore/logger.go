package badgerstore

import (
	"strings"

	"github.com/rs/zerolog"
)

// logger routes badger's printf-style logging into zerolog. Badger is
// chatty at info level, so info and debug both go to debug.
type logger struct {
	log zerolog.Logger
}

func newLogger(l zerolog.Logger) *logger {
	return &logger{log: l.With().Str("component", "badger").Logger()}
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(trim(format), args...)
}

func (l *logger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(trim(format), args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(trim(format), args...)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(trim(format), args...)
}

func trim(format string) string {
	return strings.TrimSuffix(format, "\n")
}

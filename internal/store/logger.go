package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zerologAdapter routes gorm's logging through the global zerolog logger.
type zerologAdapter struct {
	level gormlogger.LogLevel
}

func newLogger() gormlogger.Interface {
	return &zerologAdapter{level: gormlogger.Warn}
}

func (l *zerologAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &zerologAdapter{level: level}
}

func (l *zerologAdapter) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		log.Info().Str("component", "store").Msgf(msg, args...)
	}
}

func (l *zerologAdapter) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		log.Warn().Str("component", "store").Msgf(msg, args...)
	}
}

func (l *zerologAdapter) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		log.Error().Str("component", "store").Msgf(msg, args...)
	}
}

func (l *zerologAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var event *zerolog.Event
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		event = log.Debug().Err(err)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		event = log.Warn()
	case l.level >= gormlogger.Info:
		event = log.Trace()
	default:
		return
	}

	sql, rows := fc()
	event.
		Str("component", "store").
		Dur("elapsed", elapsed).
		Int64("rows", rows).
		Str("sql", sql).
		Msg("query")
}

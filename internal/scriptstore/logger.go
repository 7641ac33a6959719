package scriptstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pkt.systems/pslog"
)

const slowQueryThreshold = time.Second

// gormLogger routes gorm's SQL logging through pslog.
type gormLogger struct {
	log   pslog.Logger
	level gormlogger.LogLevel
}

func newGormLogger(logger pslog.Logger) *gormLogger {
	return &gormLogger{log: logger, level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.log != nil && l.level >= gormlogger.Info {
		l.log.Debug("scriptstore sql", "msg", fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.log != nil && l.level >= gormlogger.Warn {
		l.log.Warn("scriptstore sql", "msg", fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.log != nil && l.level >= gormlogger.Error {
		l.log.Error("scriptstore sql", "msg", fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.log == nil || l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.log.Error("scriptstore sql failed", "sql", sql, "rows", rows, "elapsed", elapsed, "err", err)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		l.log.Warn("scriptstore sql slow", "sql", sql, "rows", rows, "elapsed", elapsed)
	default:
		l.log.Trace("scriptstore sql", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}

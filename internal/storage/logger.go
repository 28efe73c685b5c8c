package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netbridge/internal/ctxkeys"
	"netbridge/internal/logger"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// defaultSlowThreshold 响应体读写都在内存库中完成，超过该耗时即视为异常
const defaultSlowThreshold = 200 * time.Millisecond

// sqlLogger 把 gorm 日志转到结构化日志，附带请求链路的 traceId
type sqlLogger struct {
	log           logger.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newSQLLogger(l logger.Logger) *sqlLogger {
	return &sqlLogger{
		log:           l.With("component", "bodystore"),
		level:         gormlogger.Warn,
		slowThreshold: defaultSlowThreshold,
	}
}

// LogMode 返回指定级别的副本
func (s *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *s
	cp.level = level
	return &cp
}

// gorm 传入的是 printf 格式
func (s *sqlLogger) Info(ctx context.Context, msg string, data ...any) {
	if s.level >= gormlogger.Info {
		s.log.Info(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

func (s *sqlLogger) Warn(ctx context.Context, msg string, data ...any) {
	if s.level >= gormlogger.Warn {
		s.log.Warn(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

func (s *sqlLogger) Error(ctx context.Context, msg string, data ...any) {
	if s.level >= gormlogger.Error {
		s.log.Error(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

// Trace 记录每条语句：出错、慢查询，或 Info 级别下的全部语句
func (s *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if s.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	slow := s.slowThreshold > 0 && elapsed > s.slowThreshold
	notFound := errors.Is(err, gorm.ErrRecordNotFound)

	switch {
	case err != nil && !notFound && s.level >= gormlogger.Error:
	case slow && s.level >= gormlogger.Warn:
	case s.level >= gormlogger.Info:
	default:
		return
	}

	sql, rows := fc()
	fields := []any{
		"traceId", ctxkeys.TraceID(ctx),
		"sql", sql,
		"rows", rows,
		"elapsed", elapsed,
	}
	switch {
	case err != nil && !notFound:
		s.log.Err(err, "SQL执行错误", fields...)
	case slow:
		s.log.Warn("慢SQL", append(fields, "threshold", s.slowThreshold)...)
	default:
		s.log.Debug("SQL执行", fields...)
	}
}

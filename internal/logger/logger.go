package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，参数以 key/value 成对传入
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level      string   // debug/info/warn/error
	Writer     []string // console、file、json
	File       string   // 日志文件路径
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 根据配置创建基于 zerolog 的日志实例
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		case "json":
			writers = append(writers, os.Stderr)
		case "file":
			if opts.File == "" {
				continue
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	return NewWithWriter(zerolog.MultiLevelWriter(writers...), level)
}

// NewWithWriter 使用指定输出创建 JSON 日志实例
func NewWithWriter(w io.Writer, level zerolog.Level) Logger {
	return &zeroLogger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志实例
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.emit(l.zl.Debug(), msg, kv) }
func (l *zeroLogger) Info(msg string, kv ...any)  { l.emit(l.zl.Info(), msg, kv) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { l.emit(l.zl.Warn(), msg, kv) }
func (l *zeroLogger) Error(msg string, kv ...any) { l.emit(l.zl.Error(), msg, kv) }

// Err 记录带错误信息的 error 级别日志
func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.emit(l.zl.Error().Err(err), msg, kv)
}

// With 返回附加了固定字段的子日志实例
func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(normalize(kv)).Logger()}
}

func (l *zeroLogger) emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	if len(kv) > 0 {
		ev = ev.Fields(normalize(kv))
	}
	ev.Msg(msg)
}

// normalize 保证 key/value 成对，落单的值以 "extra" 作为键
func normalize(kv []any) []any {
	if len(kv)%2 == 0 {
		return kv
	}
	out := make([]any, 0, len(kv)+1)
	out = append(out, kv[:len(kv)-1]...)
	return append(out, "extra", kv[len(kv)-1])
}

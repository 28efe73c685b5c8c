// netbridge 从输入读取 JSON 行命令，转发响应流，并把网络事件以 JSON 行写到输出。
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"netbridge/internal/config"
	"netbridge/internal/logger"
	"netbridge/pkg/api"

	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 单行命令上限，大块 onDataReceived 以数字数组传入时会很长
const maxLineSize = 64 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, inputPath, outputPath, logLevel string
	var drainTimeout time.Duration

	flagSet := pflag.NewFlagSet("netbridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML 配置文件路径")
	flagSet.StringVar(&inputPath, "input", "-", "命令输入文件，- 表示标准输入")
	flagSet.StringVar(&outputPath, "output", "-", "事件输出文件，- 表示标准输出")
	flagSet.StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别 (debug/info/warn/error)")
	flagSet.DurationVar(&drainTimeout, "drain-timeout", 5*time.Second, "输入结束后等待进行中响应流的最长时间")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.NewConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writer:     cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer closeOut()

	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &lineWriter{w: bufio.NewWriter(out)}
	_, events := svc.SubscribeEvents()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if err := w.WriteLine(ev.Raw); err != nil {
				log.Err(err, "写出事件失败", "method", ev.Method)
			}
		}
	}()

	if err := serve(ctx, svc, in, w, log); err != nil {
		log.Err(err, "读取命令失败")
	}
	drain(ctx, svc, drainTimeout, log)

	closeErr := svc.Close()
	wg.Wait()
	if err := w.Flush(); err != nil {
		return err
	}
	return closeErr
}

// serve 顺序分发每一行命令，直到输入结束或收到退出信号
func serve(ctx context.Context, svc *api.Service, in io.Reader, w *lineWriter, log logger.Logger) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("收到退出信号")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			if err := svc.Dispatch(ctx, line); err != nil {
				log.Warn("命令执行失败", "error", err)
				if werr := w.WriteLine(errorReply(line, err)); werr != nil {
					return werr
				}
			}
		}
	}
}

// drain 等待仍在转发的响应流结束
func drain(ctx context.Context, svc *api.Service, timeout time.Duration, log logger.Logger) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		active := svc.ActiveStreams()
		if len(active) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warn("等待响应流超时", "active", active)
			return
		case <-ticker.C:
		}
	}
}

func errorReply(line []byte, err error) []byte {
	reply, _ := sjson.SetBytes(nil, "error.message", err.Error())
	if method := gjson.GetBytes(line, "method").String(); method != "" {
		reply, _ = sjson.SetBytes(reply, "error.method", method)
	}
	return reply
}

type lineWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// WriteLine 写入一行并立即刷新，事件与错误回复可能来自不同 goroutine
func (l *lineWriter) WriteLine(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *lineWriter) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开输入文件: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("创建输出文件: %w", err)
	}
	return f, func() { f.Close() }, nil
}

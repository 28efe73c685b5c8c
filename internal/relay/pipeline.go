package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"netbridge/internal/logger"
	"netbridge/pkg/traffic"
)

// Pipeline 把推送式的数据块转换为上报端可拉取的输入流
type Pipeline struct {
	reporter traffic.Reporter
	log      logger.Logger
}

// NewPipeline 创建流式转发管线
func NewPipeline(r traffic.Reporter, l logger.Logger) *Pipeline {
	if l == nil {
		l = logger.NewNop()
	}
	return &Pipeline{reporter: r, log: l}
}

// Start 为 entry 启动生产者与消费者两个任务，返回的通道在两者都结束后关闭。
// 结束完全由数据驱动：生产者取到 EndOfStream 后关闭管道写端，消费者随之读到 EOF
func (p *Pipeline) Start(ctx context.Context, e *Entry, contentType, encoding string) <-chan struct{} {
	l := p.log.With("requestID", e.ID)
	finished := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := p.produce(ctx, e); err != nil {
			l.Warn("生产者任务异常结束", "error", err)
			return
		}
		l.Debug("生产者任务结束")
	}()
	go func() {
		defer wg.Done()
		n, err := p.consume(ctx, e, contentType, encoding)
		if err != nil {
			l.Warn("消费者任务异常结束", "bytes", n, "error", err)
			return
		}
		l.Debug("消费者任务结束", "bytes", n)
	}()
	go func() {
		wg.Wait()
		close(finished)
	}()
	return finished
}

// produce 按 FIFO 顺序把队列中的数据写入管道，遇到结束标记时关闭写端
func (p *Pipeline) produce(ctx context.Context, e *Entry) error {
	for {
		it, err := e.Queue.Take(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrDetached, err)
			e.sink.CloseWithError(err)
			return err
		}
		switch v := it.(type) {
		case Bytes:
			if len(v) == 0 {
				continue
			}
			if _, err := e.sink.Write(v); err != nil {
				e.sink.CloseWithError(err)
				return fmt.Errorf("写入管道: %w", err)
			}
		case EndOfStream:
			return e.sink.Close()
		}
	}
}

// consume 把管道读取端交给上报端，并把返回的包装流读到结束
func (p *Pipeline) consume(ctx context.Context, e *Entry, contentType, encoding string) (int64, error) {
	h := traffic.NewDefaultResponseHandler(p.reporter, e.ID)
	wrapped := p.reporter.InterpretResponseStream(ctx, e.ID, contentType, encoding, e.source, h)
	if wrapped == nil {
		// 上报端不接管时自行排空，避免生产者永久阻塞
		n, err := io.Copy(io.Discard, e.source)
		e.source.Close()
		if err != nil {
			return n, fmt.Errorf("排空管道: %w", err)
		}
		return n, nil
	}

	n, err := io.Copy(io.Discard, wrapped)
	cerr := wrapped.Close()
	if raw := int64(h.BytesRead()); raw != n {
		// 包装流可能改写了内容，例如上报端自行解压
		p.log.Debug("上报端响应流长度与原始长度不同", "requestID", e.ID, "raw", raw, "wrapped", n)
	}
	if err != nil {
		e.source.CloseWithError(err)
		return n, fmt.Errorf("读取上报端响应流: %w", err)
	}
	e.source.Close()
	if cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
		return n, fmt.Errorf("关闭上报端响应流: %w", cerr)
	}
	return n, nil
}

package api

import (
	"context"
	"fmt"

	"netbridge/internal/channel"
	"netbridge/internal/config"
	"netbridge/internal/handler"
	"netbridge/internal/inspector"
	"netbridge/internal/logger"
	"netbridge/internal/storage"
	"netbridge/pkg/model"
)

// Service 对外服务：命令分发、事件订阅与响应体查询
type Service struct {
	log       logger.Logger
	inspector *inspector.Inspector
	handler   *handler.Handler
	channel   *channel.Dispatcher
}

// NewService 根据配置组装上报器、协调器与命令分发器
func NewService(cfg *config.Config, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	if l == nil {
		l = logger.NewNop()
	}

	insp := inspector.New(inspector.Options{
		EventBuffer: cfg.Inspector.EventBuffer,
		MaxBodySize: cfg.Inspector.MaxBodySize,
		Store: storage.BodyStoreOptions{
			Dsn:       cfg.Sqlite.Dsn,
			Prefix:    cfg.Sqlite.Prefix,
			MaxBodies: cfg.Sqlite.MaxBodies,
		},
	}, l.With("component", "inspector"))

	h := handler.New(handler.Config{
		Reporter:               insp,
		Logger:                 l.With("component", "handler"),
		ForwardContentEncoding: cfg.Relay.ForwardContentEncoding,
	})

	return &Service{
		log:       l,
		inspector: insp,
		handler:   h,
		channel:   channel.New(h, l.With("component", "channel")),
	}, nil
}

// Dispatch 执行一行 JSON 命令
func (s *Service) Dispatch(ctx context.Context, line []byte) error {
	return s.channel.Dispatch(ctx, line)
}

// SubscribeEvents 订阅上报事件，返回订阅 ID 与事件通道
func (s *Service) SubscribeEvents() (string, <-chan model.Event) {
	return s.inspector.Subscribe()
}

// UnsubscribeEvents 取消订阅，事件通道随之关闭
func (s *Service) UnsubscribeEvents(id string) {
	s.inspector.Unsubscribe(id)
}

// ResponseBody 查询已完成请求的响应体
func (s *Service) ResponseBody(ctx context.Context, requestID string) (*storage.ResponseBody, error) {
	return s.inspector.ResponseBody(ctx, requestID)
}

// ActiveStreams 当前仍在转发的请求 ID
func (s *Service) ActiveStreams() []string {
	return s.handler.Registry().Active()
}

// Close 先停止所有转发任务，再关闭上报器
func (s *Service) Close() error {
	s.handler.Close()
	return s.inspector.Close()
}

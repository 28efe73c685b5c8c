package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"netbridge/internal/ctxkeys"
	"netbridge/internal/logger"
	"netbridge/internal/registry"
	"netbridge/internal/relay"
	"netbridge/pkg/traffic"
)

// Handler 生命周期协调器：把入站事件分发到注册表、转发管线和上报端
type Handler struct {
	reporter        traffic.Reporter
	registry        *registry.Registry
	pipeline        *relay.Pipeline
	forwardEncoding bool
	log             logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	relays sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// Config 配置选项
type Config struct {
	Reporter traffic.Reporter
	Registry *registry.Registry
	Logger   logger.Logger
	// ForwardContentEncoding 为 true 时把响应的 content-encoding 交给上报端解码
	ForwardContentEncoding bool
}

// New 创建协调器；注册表随协调器创建，Close 时清空
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(l)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		reporter:        cfg.Reporter,
		registry:        reg,
		pipeline:        relay.NewPipeline(cfg.Reporter, l),
		forwardEncoding: cfg.ForwardContentEncoding,
		log:             l,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Registry 返回协调器持有的注册表
func (h *Handler) Registry() *registry.Registry { return h.registry }

// Initialize 初始化上报端，只执行一次，之后的调用返回首次结果
func (h *Handler) Initialize(ctx context.Context) error {
	h.initOnce.Do(func() {
		in, ok := h.reporter.(traffic.Initializer)
		if !ok {
			return
		}
		h.initErr = in.Initialize(ctx)
		if h.initErr != nil {
			h.log.Err(h.initErr, "初始化上报端失败", "traceId", ctxkeys.TraceID(ctx))
			return
		}
		h.log.Info("上报端初始化完成")
	})
	return h.initErr
}

// RequestWillBeSent 转发请求
func (h *Handler) RequestWillBeSent(ctx context.Context, req *traffic.Request) {
	h.log.Debug("requestWillBeSent", "requestID", req.ID, "method", req.Method, "url", req.URL, "traceId", ctxkeys.TraceID(ctx))
	h.reporter.RequestWillBeSent(req)
}

// ResponseHeadersReceived 缓存响应头并转发
func (h *Handler) ResponseHeadersReceived(ctx context.Context, res *traffic.Response) {
	h.log.Debug("responseHeadersReceived", "requestID", res.RequestID, "statusCode", res.StatusCode, "traceId", ctxkeys.TraceID(ctx))
	h.registry.StoreResponse(res)
	h.reporter.ResponseHeadersReceived(res)
}

// InterpretResponseStream 创建流并启动生产者/消费者任务。
// 没有对应响应头或流已存在时，向上报端报告读取失败，不启动任务
func (h *Handler) InterpretResponseStream(ctx context.Context, id string) {
	l := h.log.With("requestID", id, "traceId", ctxkeys.TraceID(ctx))

	res, ok := h.registry.Response(id)
	if !ok {
		l.Warn("未收到响应头，无法解析响应流")
		h.reporter.ResponseReadFailed(id, fmt.Sprintf("no response headers received for request %q", id))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		l.Warn("桥接已卸载，拒绝新的响应流")
		h.reporter.ResponseReadFailed(id, relay.ErrDetached.Error())
		return
	}

	e, err := h.registry.Create(id)
	if err != nil {
		l.Warn("创建响应流失败", "error", err)
		h.reporter.ResponseReadFailed(id, err.Error())
		return
	}

	contentType, _ := res.Headers.First("content-type")
	var encoding string
	if h.forwardEncoding {
		encoding, _ = res.Headers.First("content-encoding")
	}

	relayCtx := ctxkeys.WithTraceID(h.ctx, ctxkeys.TraceID(ctx))
	finished := h.pipeline.Start(relayCtx, e, contentType, encoding)
	h.relays.Add(1)
	go func() {
		defer h.relays.Done()
		<-finished
		h.registry.Release(e, res)
		l.Debug("响应流已关闭")
	}()
	l.Debug("响应流已启动", "contentType", contentType, "encoding", encoding)
}

// OnDataReceived 把数据块放入队列（仅入队，不做管道 I/O），并始终上报数据进度
func (h *Handler) OnDataReceived(ctx context.Context, id string, data []byte) {
	if e, ok := h.registry.Get(id); ok {
		if err := e.Queue.Put(relay.Bytes(data)); err != nil {
			h.log.Warn("丢弃结束标记之后的数据块", "requestID", id, "bytes", len(data), "traceId", ctxkeys.TraceID(ctx))
		}
	} else {
		h.log.Debug("无进行中的流，仅上报数据进度", "requestID", id, "bytes", len(data))
	}
	h.reporter.DataReceived(id, len(data), len(data))
}

// OnDone 放入结束标记，这是结束转发任务的唯一途径
func (h *Handler) OnDone(ctx context.Context, id string) {
	e, ok := h.registry.Get(id)
	if !ok {
		h.log.Debug("onDone 未找到进行中的流", "requestID", id, "traceId", ctxkeys.TraceID(ctx))
		return
	}
	if err := e.Queue.Put(relay.EndOfStream{}); err != nil {
		if errors.Is(err, relay.ErrQueueSealed) {
			h.log.Warn("重复的结束信号", "requestID", id)
			return
		}
		h.log.Err(err, "写入结束标记失败", "requestID", id)
	}
}

// ResponseReadFinished 直接转发；流条目由转发任务自行清理，
// 未进入流式阶段的请求在此释放缓存的响应头
func (h *Handler) ResponseReadFinished(ctx context.Context, id string) {
	h.log.Debug("responseReadFinished", "requestID", id, "traceId", ctxkeys.TraceID(ctx))
	h.reporter.ResponseReadFinished(id)
	h.forgetIdle(id)
}

// ResponseReadFailed 直接转发，清理规则同 ResponseReadFinished
func (h *Handler) ResponseReadFailed(ctx context.Context, id, message string) {
	h.log.Debug("responseReadFailed", "requestID", id, "message", message, "traceId", ctxkeys.TraceID(ctx))
	h.reporter.ResponseReadFailed(id, message)
	h.forgetIdle(id)
}

func (h *Handler) forgetIdle(id string) {
	if _, streaming := h.registry.Get(id); streaming {
		return
	}
	h.registry.ForgetResponse(id)
}

// Close 卸载桥接：中断所有转发任务并等待其退出，随后清空注册表
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if active := h.registry.Active(); len(active) > 0 {
		// 未收到 onDone 的流会一直占用资源，卸载时统一中断
		var missingDone []string
		for _, id := range active {
			if e, ok := h.registry.Get(id); ok && !e.Queue.Sealed() {
				missingDone = append(missingDone, id)
			}
		}
		h.log.Warn("卸载时仍有未结束的响应流", "requestIDs", active, "missingDone", missingDone)
	}
	h.cancel()
	h.relays.Wait()
	h.registry.Clear()
	h.log.Info("桥接已卸载")
}

// Package inspector 实现网络检查上报端：把请求生命周期转换为 DevTools
// Network 域事件推送给订阅者，并保存响应体供调试客户端查询。
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cdpadapter "netbridge/internal/adapter/cdp"
	"netbridge/internal/logger"
	"netbridge/internal/storage"
	"netbridge/pkg/model"
	"netbridge/pkg/traffic"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// ErrNotInitialized 上报端尚未初始化
var ErrNotInitialized = errors.New("inspector not initialized")

// Options 上报端配置
type Options struct {
	EventBuffer int   // 每个订阅者的事件缓冲
	MaxBodySize int64 // 单个响应体最多保存的字节数，0 表示不限制
	Store       storage.BodyStoreOptions
}

// Inspector 网络检查上报端
type Inspector struct {
	opts     Options
	log      logger.Logger
	clock    cdpadapter.Clock
	loaderID string
	now      func() time.Time

	initOnce sync.Once
	initErr  error

	mu     sync.RWMutex
	store  *storage.BodyStore
	subs   map[string]chan model.Event
	closed bool

	// 已读完的响应流的原始字节数，loadingFinished 上报后删除
	encoded map[string]int
}

var _ traffic.Reporter = (*Inspector)(nil)

// New 创建上报端，Initialize 之前只推送事件，不保存响应体
func New(opts Options, l logger.Logger) *Inspector {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Inspector{
		opts:     opts,
		log:      l,
		clock:    cdpadapter.NewClock(),
		loaderID: uuid.NewString(),
		now:      time.Now,
		subs:     make(map[string]chan model.Event),
		encoded:  make(map[string]int),
	}
}

// Initialize 打开响应体存储，只执行一次
func (i *Inspector) Initialize(ctx context.Context) error {
	i.initOnce.Do(func() {
		store, err := storage.OpenBodyStore(i.opts.Store, i.log)
		if err != nil {
			i.initErr = err
			return
		}
		i.mu.Lock()
		i.store = store
		i.mu.Unlock()
		count, err := store.Count(ctx)
		if err != nil {
			i.log.Err(err, "统计已有响应体失败")
		}
		i.log.Info("响应体存储已就绪", "dsn", i.opts.Store.Dsn, "bodies", count)
	})
	return i.initErr
}

// Subscribe 订阅事件，返回订阅ID与只读通道
func (i *Inspector) Subscribe() (string, <-chan model.Event) {
	id := uuid.NewString()
	ch := make(chan model.Event, i.opts.EventBuffer)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		close(ch)
		return id, ch
	}
	i.subs[id] = ch
	return id, ch
}

// Unsubscribe 取消订阅并关闭通道
func (i *Inspector) Unsubscribe(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if ch, ok := i.subs[id]; ok {
		delete(i.subs, id)
		close(ch)
	}
}

// RequestWillBeSent 推送 Network.requestWillBeSent
func (i *Inspector) RequestWillBeSent(req *traffic.Request) {
	now := i.now()
	i.publish(model.MethodRequestWillBeSent, req.ID, now, cdpadapter.ToRequestWillBeSent(i.clock, req, i.loaderID, now))
}

// ResponseHeadersReceived 推送 Network.responseReceived
func (i *Inspector) ResponseHeadersReceived(res *traffic.Response) {
	now := i.now()
	i.publish(model.MethodResponseReceived, res.RequestID, now, cdpadapter.ToResponseReceived(i.clock, res, i.loaderID, now))
}

// DataReceived 推送 Network.dataReceived
func (i *Inspector) DataReceived(requestID string, dataLength, encodedLength int) {
	now := i.now()
	i.publish(model.MethodDataReceived, requestID, now, cdpadapter.ToDataReceived(i.clock, requestID, dataLength, encodedLength, now))
}

// ResponseReadFinished 推送 Network.loadingFinished。
// encodedDataLength 取自经本端读完的响应流；没有响应流的请求为 0
func (i *Inspector) ResponseReadFinished(requestID string) {
	now := i.now()
	encoded := i.takeEncoded(requestID)
	i.publish(model.MethodLoadingFinished, requestID, now, cdpadapter.ToLoadingFinished(i.clock, requestID, encoded, now))
}

// ResponseReadFailed 推送 Network.loadingFailed
func (i *Inspector) ResponseReadFailed(requestID, message string) {
	now := i.now()
	i.takeEncoded(requestID)
	i.publish(model.MethodLoadingFailed, requestID, now, cdpadapter.ToLoadingFailed(i.clock, requestID, message, now))
}

// InterpretResponseStream 包装响应体输入流：读出的字节原样返回，同时计数并在 EOF 时保存响应体
func (i *Inspector) InterpretResponseStream(ctx context.Context, requestID, contentType, encoding string, in io.Reader, h traffic.ResponseHandler) io.ReadCloser {
	// 同一请求 ID 复用时，流结束前不返回上一次的响应体
	i.deleteBody(ctx, requestID)
	return &responseStream{
		ctx:         ctx,
		inspector:   i,
		requestID:   requestID,
		contentType: contentType,
		encoding:    encoding,
		in:          in,
		handler:     h,
		limit:       i.opts.MaxBodySize,
	}
}

// ResponseBody 读取已保存的响应体
func (i *Inspector) ResponseBody(ctx context.Context, requestID string) (*storage.ResponseBody, error) {
	store := i.bodyStore()
	if store == nil {
		return nil, ErrNotInitialized
	}
	return store.Get(ctx, requestID)
}

// Close 关闭所有订阅与存储
func (i *Inspector) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	clear(i.encoded)
	for id, ch := range i.subs {
		delete(i.subs, id)
		close(ch)
	}
	store := i.store
	i.store = nil
	i.mu.Unlock()

	if store != nil {
		return store.Close()
	}
	return nil
}

func (i *Inspector) bodyStore() *storage.BodyStore {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.store
}

func (i *Inspector) recordEncoded(requestID string, n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.encoded[requestID] = n
}

func (i *Inspector) takeEncoded(requestID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := i.encoded[requestID]
	delete(i.encoded, requestID)
	return n
}

func (i *Inspector) deleteBody(ctx context.Context, requestID string) {
	store := i.bodyStore()
	if store == nil {
		return
	}
	if err := store.Delete(ctx, requestID); err != nil {
		i.log.Err(err, "删除旧响应体失败", "requestID", requestID)
	}
}

func (i *Inspector) saveBody(ctx context.Context, rb *storage.ResponseBody) {
	store := i.bodyStore()
	if store == nil {
		return
	}
	if err := store.Save(ctx, rb); err != nil {
		i.log.Err(err, "保存响应体失败", "requestID", rb.RequestID)
	}
}

// publish 组装 {"method","params"} 报文并非阻塞地发送给所有订阅者
func (i *Inspector) publish(method, requestID string, now time.Time, params any) {
	raw, p, err := envelope(method, params)
	if err != nil {
		i.log.Err(err, "序列化事件失败", "method", method, "requestID", requestID)
		return
	}
	evt := model.Event{
		Method:    method,
		Params:    json.RawMessage(p),
		RequestID: requestID,
		Timestamp: now.UnixMilli(),
		Raw:       raw,
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	for id, ch := range i.subs {
		select {
		case ch <- evt:
		default:
			i.log.Warn("订阅者缓冲已满，丢弃事件", "subscriber", id, "method", method, "requestID", requestID)
		}
	}
}

func envelope(method string, params any) (raw, p []byte, err error) {
	p, err = json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化 %s 参数: %w", method, err)
	}
	raw, err = sjson.SetBytes([]byte(`{}`), "method", method)
	if err != nil {
		return nil, nil, err
	}
	raw, err = sjson.SetRawBytes(raw, "params", p)
	return raw, p, err
}

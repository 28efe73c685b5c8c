package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"netbridge/internal/logger"
	"netbridge/internal/relay"
	"netbridge/pkg/traffic"
)

// ErrStreamExists 同一请求重复创建流
var ErrStreamExists = errors.New("stream already exists")

// Registry 按请求ID管理进行中的流与已收到的响应头
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*relay.Entry
	responses map[string]*traffic.Response
	log       logger.Logger
}

// New 创建流注册表
func New(l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{
		streams:   make(map[string]*relay.Entry),
		responses: make(map[string]*traffic.Response),
		log:       l,
	}
}

// Create 为请求创建管道与队列；已存在时返回 ErrStreamExists，不覆盖原有条目
func (r *Registry) Create(id string) (*relay.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	e := relay.NewEntry(id)
	r.streams[id] = e
	r.log.Debug("创建流", "requestID", id)
	return e, nil
}

// Get 获取流
func (r *Registry) Get(id string) (*relay.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.streams[id]
	return e, ok
}

// Remove 移除流，重复移除或移除不存在的ID不报错
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return
	}
	delete(r.streams, id)
	r.log.Debug("移除流", "requestID", id)
}

// Release 流结束后释放条目与缓存的响应；仅当注册表中仍是同一对象时才删除，
// 避免误删同一ID后续新建的条目
func (r *Registry) Release(e *relay.Entry, res *traffic.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[e.ID]; ok && cur == e {
		delete(r.streams, e.ID)
	}
	if res != nil {
		if cur, ok := r.responses[res.RequestID]; ok && cur == res {
			delete(r.responses, res.RequestID)
		}
	}
	r.log.Debug("释放流", "requestID", e.ID)
}

// StoreResponse 缓存响应头，供启动流时读取 content-type
func (r *Registry) StoreResponse(res *traffic.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[res.RequestID] = res
}

// Response 获取缓存的响应
func (r *Registry) Response(id string) (*traffic.Response, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.responses[id]
	return res, ok
}

// ForgetResponse 删除缓存的响应
func (r *Registry) ForgetResponse(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.responses, id)
}

// Active 返回仍在进行中的流ID（已排序）
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear 丢弃全部条目，在桥接组件卸载时调用
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = make(map[string]*relay.Entry)
	r.responses = make(map[string]*traffic.Response)
}

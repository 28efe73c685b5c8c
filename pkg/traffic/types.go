package traffic

import (
	"errors"
	"fmt"
)

// ErrHeaderIndex 请求头下标越界
var ErrHeaderIndex = errors.New("header index out of range")

// HeaderEntry 单个请求/响应头
type HeaderEntry struct {
	Name  string
	Value string
}

// Headers 有序的头部列表，顺序在解析时固定，多次访问保持一致
type Headers []HeaderEntry

// Count 返回头部数量
func (h Headers) Count() int { return len(h) }

// Name 返回第 i 个头部的名称
func (h Headers) Name(i int) (string, error) {
	if i < 0 || i >= len(h) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrHeaderIndex, i, len(h))
	}
	return h[i].Name, nil
}

// Value 返回第 i 个头部的值
func (h Headers) Value(i int) (string, error) {
	if i < 0 || i >= len(h) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrHeaderIndex, i, len(h))
	}
	return h[i].Value, nil
}

// First 按名称（大小写敏感）查找第一个匹配的值
func (h Headers) First(name string) (string, bool) {
	for _, e := range h {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// Map 转换为 map，重名时保留第一个值
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, e := range h {
		if _, ok := m[e.Name]; !ok {
			m[e.Name] = e.Value
		}
	}
	return m
}

// Request 中立的请求模型
type Request struct {
	ID                string  // 请求唯一ID
	URL               string  // 完整URL
	Method            string  // HTTP方法
	FriendlyName      string  // 展示名称
	FriendlyNameExtra *int    // 展示名称数字后缀，可选
	Body              []byte  // 请求体原始数据，可选
	Headers           Headers // 请求头
}

// Response 中立的响应模型
type Response struct {
	RequestID        string  // 对应请求ID，同时作为流的键
	URL              string  // 完整URL
	StatusCode       int     // 状态码，缺失时为 -1
	ReasonPhrase     string  // 状态描述
	ConnectionReused bool    // 连接是否复用
	ConnectionID     int     // 连接ID，缺失时为 -1
	FromDiskCache    bool    // 是否来自磁盘缓存
	Headers          Headers // 响应头
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{Headers: Headers{}}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode:   -1,
		ConnectionID: -1,
		Headers:      Headers{},
	}
}

// Package testutil 提供测试共用的上报端替身。
package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"netbridge/pkg/traffic"
)

// Call 一次上报端调用记录
type Call struct {
	Method    string
	RequestID string
	Args      []any
}

// RecordingReporter 记录所有调用，并把接管的响应流内容按请求保存
type RecordingReporter struct {
	mu     sync.Mutex
	calls  []Call
	bodies map[string]*bytes.Buffer

	// Wrap 非空时替代默认的包装流实现
	Wrap func(requestID string, in io.Reader, h traffic.ResponseHandler) io.ReadCloser
}

// NewRecordingReporter 创建记录型上报端
func NewRecordingReporter() *RecordingReporter {
	return &RecordingReporter{bodies: make(map[string]*bytes.Buffer)}
}

func (r *RecordingReporter) record(method, id string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, RequestID: id, Args: args})
}

// RequestWillBeSent 记录请求
func (r *RecordingReporter) RequestWillBeSent(req *traffic.Request) {
	r.record("requestWillBeSent", req.ID, req)
}

// ResponseHeadersReceived 记录响应头
func (r *RecordingReporter) ResponseHeadersReceived(res *traffic.Response) {
	r.record("responseHeadersReceived", res.RequestID, res)
}

// InterpretResponseStream 返回边读边记录的包装流
func (r *RecordingReporter) InterpretResponseStream(_ context.Context, id, contentType, encoding string, in io.Reader, h traffic.ResponseHandler) io.ReadCloser {
	r.record("interpretResponseStream", id, contentType, encoding)
	if r.Wrap != nil {
		return r.Wrap(id, in, h)
	}
	return &captureStream{reporter: r, id: id, in: in, h: h}
}

// DataReceived 记录数据进度
func (r *RecordingReporter) DataReceived(id string, dataLength, encodedLength int) {
	r.record("dataReceived", id, dataLength, encodedLength)
}

// ResponseReadFinished 记录读取完成
func (r *RecordingReporter) ResponseReadFinished(id string) {
	r.record("responseReadFinished", id)
}

// ResponseReadFailed 记录读取失败
func (r *RecordingReporter) ResponseReadFailed(id, message string) {
	r.record("responseReadFailed", id, message)
}

// Calls 返回指定方法的调用记录，method 为空时返回全部
func (r *RecordingReporter) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallsFor 返回指定请求、指定方法的调用记录
func (r *RecordingReporter) CallsFor(method, id string) []Call {
	var out []Call
	for _, c := range r.Calls(method) {
		if c.RequestID == id {
			out = append(out, c)
		}
	}
	return out
}

// Body 返回某请求经包装流读出的全部字节
func (r *RecordingReporter) Body(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bodies[id]; ok {
		return b.String()
	}
	return ""
}

type captureStream struct {
	reporter *RecordingReporter
	id       string
	in       io.Reader
	h        traffic.ResponseHandler
	done     bool
}

func (s *captureStream) Read(p []byte) (int, error) {
	n, err := s.in.Read(p)
	if n > 0 {
		s.reporter.mu.Lock()
		b, ok := s.reporter.bodies[s.id]
		if !ok {
			b = &bytes.Buffer{}
			s.reporter.bodies[s.id] = b
		}
		b.Write(p[:n])
		s.reporter.mu.Unlock()
		s.h.OnRead(n)
	}
	if err != nil && !s.done {
		s.done = true
		if err == io.EOF {
			s.h.OnEOF()
		} else {
			s.h.OnError(err)
		}
	}
	return n, err
}

func (s *captureStream) Close() error { return nil }

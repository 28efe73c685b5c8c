package traffic

import (
	"context"
	"io"
)

// Reporter 网络检查上报端（调试客户端一侧的事件接收者）
type Reporter interface {
	RequestWillBeSent(req *Request)
	ResponseHeadersReceived(res *Response)
	// InterpretResponseStream 接管响应体输入流，返回上报端包装后的流；
	// 调用方必须把返回的流读到 EOF 并关闭，上报端才会完成处理
	InterpretResponseStream(ctx context.Context, requestID, contentType, encoding string, in io.Reader, h ResponseHandler) io.ReadCloser
	DataReceived(requestID string, dataLength, encodedLength int)
	ResponseReadFinished(requestID string)
	ResponseReadFailed(requestID, message string)
}

// ResponseHandler 响应体读取进度回调
type ResponseHandler interface {
	OnRead(n int)
	OnReadDecoded(n int)
	OnEOF()
	OnError(err error)
}

// DefaultResponseHandler 统计原始/解码字节数，结束时向上报端汇报
type DefaultResponseHandler struct {
	reporter     Reporter
	requestID    string
	bytesRead    int
	decodedBytes int
}

// NewDefaultResponseHandler 创建默认的响应体读取回调
func NewDefaultResponseHandler(r Reporter, requestID string) *DefaultResponseHandler {
	return &DefaultResponseHandler{reporter: r, requestID: requestID, decodedBytes: -1}
}

// OnRead 累计原始字节数
func (h *DefaultResponseHandler) OnRead(n int) { h.bytesRead += n }

// OnReadDecoded 累计解码后字节数
func (h *DefaultResponseHandler) OnReadDecoded(n int) {
	if h.decodedBytes < 0 {
		h.decodedBytes = 0
	}
	h.decodedBytes += n
}

// OnEOF 汇报字节数并通知读取完成
func (h *DefaultResponseHandler) OnEOF() {
	h.reportDataReceived()
	h.reporter.ResponseReadFinished(h.requestID)
}

// OnError 汇报字节数并通知读取失败
func (h *DefaultResponseHandler) OnError(err error) {
	h.reportDataReceived()
	h.reporter.ResponseReadFailed(h.requestID, err.Error())
}

// BytesRead 返回已读取的原始字节数
func (h *DefaultResponseHandler) BytesRead() int { return h.bytesRead }

func (h *DefaultResponseHandler) reportDataReceived() {
	decoded := h.decodedBytes
	if decoded < 0 {
		// 未经过解码时，解码长度等于原始长度
		decoded = h.bytesRead
	}
	h.reporter.DataReceived(h.requestID, decoded, h.bytesRead)
}

// Initializer 需要一次性初始化的上报端实现此接口
type Initializer interface {
	Initialize(ctx context.Context) error
}

package cdp

import (
	"encoding/json"
	"mime"
	"strings"
	"time"

	"netbridge/pkg/traffic"

	"github.com/mafredri/cdp/protocol/network"
)

// 无法区分 XHR 与 Fetch，应用层请求统一归为 Fetch
const resourceTypeFetch = network.ResourceType("Fetch")

// Clock 事件时间基准：Timestamp 为相对进程启动的单调秒数，WallTime 为 Unix 秒
type Clock struct {
	start time.Time
}

// NewClock 以当前时间为基准创建时钟
func NewClock() Clock { return Clock{start: time.Now()} }

func (c Clock) monotonic(now time.Time) network.MonotonicTime {
	return network.MonotonicTime(now.Sub(c.start).Seconds())
}

// ToHeaders 将中立 Header 转换为 CDP Headers（JSON 对象），重名时保留第一个值
func ToHeaders(h traffic.Headers) network.Headers {
	b, err := json.Marshal(h.Map())
	if err != nil {
		return network.Headers("{}")
	}
	return network.Headers(b)
}

// ToRequestWillBeSent 将中立 Request 转换为 Network.requestWillBeSent 参数
func ToRequestWillBeSent(c Clock, req *traffic.Request, loaderID string, now time.Time) *network.RequestWillBeSentReply {
	r := network.Request{
		URL:     req.URL,
		Method:  req.Method,
		Headers: ToHeaders(req.Headers),
	}
	if len(req.Body) > 0 {
		body := string(req.Body)
		r.PostData = &body
	}
	return &network.RequestWillBeSentReply{
		RequestID:   network.RequestID(req.ID),
		LoaderID:    network.LoaderID(loaderID),
		DocumentURL: req.URL,
		Request:     r,
		Timestamp:   c.monotonic(now),
		WallTime:    network.TimeSinceEpoch(float64(now.UnixNano()) / float64(time.Second)),
	}
}

// ToResponseReceived 将中立 Response 转换为 Network.responseReceived 参数
func ToResponseReceived(c Clock, res *traffic.Response, loaderID string, now time.Time) *network.ResponseReceivedReply {
	fromDiskCache := res.FromDiskCache
	return &network.ResponseReceivedReply{
		RequestID: network.RequestID(res.RequestID),
		LoaderID:  network.LoaderID(loaderID),
		Timestamp: c.monotonic(now),
		Type:      resourceTypeFetch,
		Response: network.Response{
			URL:              res.URL,
			Status:           res.StatusCode,
			StatusText:       res.ReasonPhrase,
			Headers:          ToHeaders(res.Headers),
			MimeType:         MimeType(res.Headers),
			ConnectionReused: res.ConnectionReused,
			ConnectionID:     float64(res.ConnectionID),
			FromDiskCache:    &fromDiskCache,
		},
	}
}

// ToDataReceived 构造 Network.dataReceived 参数
func ToDataReceived(c Clock, requestID string, dataLength, encodedLength int, now time.Time) *network.DataReceivedReply {
	return &network.DataReceivedReply{
		RequestID:         network.RequestID(requestID),
		Timestamp:         c.monotonic(now),
		DataLength:        dataLength,
		EncodedDataLength: encodedLength,
	}
}

// ToLoadingFinished 构造 Network.loadingFinished 参数
func ToLoadingFinished(c Clock, requestID string, encodedLength int, now time.Time) *network.LoadingFinishedReply {
	return &network.LoadingFinishedReply{
		RequestID:         network.RequestID(requestID),
		Timestamp:         c.monotonic(now),
		EncodedDataLength: float64(encodedLength),
	}
}

// ToLoadingFailed 构造 Network.loadingFailed 参数
func ToLoadingFailed(c Clock, requestID, message string, now time.Time) *network.LoadingFailedReply {
	return &network.LoadingFailedReply{
		RequestID: network.RequestID(requestID),
		Timestamp: c.monotonic(now),
		Type:      resourceTypeFetch,
		ErrorText: message,
	}
}

// MimeType 从 content-type 头（大小写不敏感）解析媒体类型
func MimeType(h traffic.Headers) string {
	for _, e := range h {
		if !strings.EqualFold(e.Name, "content-type") {
			continue
		}
		mt, _, err := mime.ParseMediaType(e.Value)
		if err != nil {
			return strings.TrimSpace(strings.SplitN(e.Value, ";", 2)[0])
		}
		return mt
	}
	return ""
}

// IsTextual 判断媒体类型是否可按文本展示
func IsTextual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript",
		"application/x-www-form-urlencoded", "application/graphql":
		return true
	}
	return false
}

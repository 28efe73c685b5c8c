package model

import "encoding/json"

// DevTools Network 域事件名
const (
	MethodRequestWillBeSent = "Network.requestWillBeSent"
	MethodResponseReceived  = "Network.responseReceived"
	MethodDataReceived      = "Network.dataReceived"
	MethodLoadingFinished   = "Network.loadingFinished"
	MethodLoadingFailed     = "Network.loadingFailed"
)

// Event 发往调试客户端的事件
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"-"`
	Timestamp int64           `json:"-"` // 毫秒
	// Raw 完整的 {"method","params"} 报文
	Raw []byte `json:"-"`
}

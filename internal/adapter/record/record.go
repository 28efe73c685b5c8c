// Package record 把通道传入的松散 JSON 记录一次性解析为中立的请求/响应模型。
//
// 字段缺失或类型不符时一律取默认值：可选字符串为空串，可选字节数组为 nil，
// statusCode/connectionId 为 -1，布尔值为 false，头部为空列表。
package record

import (
	"encoding/base64"
	"math"

	"netbridge/pkg/traffic"

	"github.com/tidwall/gjson"
)

// ParseRequestBytes 解析原始 JSON 为请求模型
func ParseRequestBytes(raw []byte) *traffic.Request {
	return ParseRequest(gjson.ParseBytes(raw))
}

// ParseResponseBytes 解析原始 JSON 为响应模型
func ParseResponseBytes(raw []byte) *traffic.Response {
	return ParseResponse(gjson.ParseBytes(raw))
}

// ParseRequest 将记录转换为中立 Request 模型
func ParseRequest(r gjson.Result) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = str(r, "id")
	req.URL = str(r, "url")
	req.Method = str(r, "method")
	req.FriendlyName = str(r, "friendlyName")
	if v, ok := integer(r.Get("friendlyNameExtra")); ok {
		req.FriendlyNameExtra = &v
	}
	req.Body = Bytes(r.Get("body"))
	req.Headers = Headers(r.Get("headers"))
	return req
}

// ParseResponse 将记录转换为中立 Response 模型
func ParseResponse(r gjson.Result) *traffic.Response {
	res := traffic.NewResponse()
	res.RequestID = str(r, "requestId")
	res.URL = str(r, "url")
	res.ReasonPhrase = str(r, "reasonPhrase")
	if v, ok := integer(r.Get("statusCode")); ok {
		res.StatusCode = v
	}
	if v, ok := integer(r.Get("connectionId")); ok {
		res.ConnectionID = v
	}
	res.ConnectionReused = r.Get("connectionReused").Type == gjson.True
	res.FromDiskCache = r.Get("fromDiskCache").Type == gjson.True
	res.Headers = Headers(r.Get("headers"))
	return res
}

// Headers 按文档顺序提取字符串值的头部，非对象返回空列表
func Headers(r gjson.Result) traffic.Headers {
	h := traffic.Headers{}
	if !r.IsObject() {
		return h
	}
	r.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			h = append(h, traffic.HeaderEntry{Name: key.String(), Value: value.Str})
		}
		return true
	})
	return h
}

// Bytes 解析字节序列：数字数组按低 8 位截断，字符串按 base64 解码，
// 其余情况（含数组中出现非数字元素）返回 nil
func Bytes(r gjson.Result) []byte {
	switch {
	case r.IsArray():
		items := r.Array()
		out := make([]byte, 0, len(items))
		for _, it := range items {
			if it.Type != gjson.Number {
				return nil
			}
			out = append(out, byte(it.Int()))
		}
		return out
	case r.Type == gjson.String:
		b, err := base64.StdEncoding.DecodeString(r.Str)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}

func str(r gjson.Result, key string) string {
	v := r.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// integer 仅接受整数值的数字
func integer(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number || r.Num != math.Trunc(r.Num) {
		return 0, false
	}
	if r.Num > math.MaxInt32 || r.Num < math.MinInt32 {
		return 0, false
	}
	return int(r.Int()), true
}

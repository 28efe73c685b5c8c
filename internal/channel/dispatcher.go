// Package channel 解析入站命令并分发给生命周期协调器。
//
// 命令为单行 JSON：{"method": "<name>", "arguments": <value>}。
// 分发在调用方的单一 goroutine 内同步完成，所有方法只做入队或转发，不做管道 I/O。
package channel

import (
	"context"
	"errors"
	"fmt"

	"netbridge/internal/adapter/record"
	"netbridge/internal/ctxkeys"
	"netbridge/internal/logger"
	"netbridge/pkg/traffic"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// 入站方法名
const (
	MethodInitialize              = "initialize"
	MethodRequestWillBeSent       = "requestWillBeSent"
	MethodResponseHeadersReceived = "responseHeadersReceived"
	MethodInterpretResponseStream = "interpretResponseStream"
	MethodOnDataReceived          = "onDataReceived"
	MethodOnDone                  = "onDone"
	MethodResponseReadFinished    = "responseReadFinished"
	MethodResponseReadFailed      = "responseReadFailed"
)

var (
	// ErrNotImplemented 未知方法
	ErrNotImplemented = errors.New("method not implemented")
	// ErrBadArguments 参数形状不符
	ErrBadArguments = errors.New("bad arguments")
)

// Coordinator 命令的处理方
type Coordinator interface {
	Initialize(ctx context.Context) error
	RequestWillBeSent(ctx context.Context, req *traffic.Request)
	ResponseHeadersReceived(ctx context.Context, res *traffic.Response)
	InterpretResponseStream(ctx context.Context, id string)
	OnDataReceived(ctx context.Context, id string, data []byte)
	OnDone(ctx context.Context, id string)
	ResponseReadFinished(ctx context.Context, id string)
	ResponseReadFailed(ctx context.Context, id, message string)
}

// Dispatcher 命令分发器
type Dispatcher struct {
	coordinator Coordinator
	log         logger.Logger
}

// New 创建命令分发器
func New(c Coordinator, l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Dispatcher{coordinator: c, log: l}
}

// Dispatch 解析一行命令并执行
func (d *Dispatcher) Dispatch(ctx context.Context, line []byte) error {
	if !gjson.ValidBytes(line) {
		return fmt.Errorf("%w: invalid json", ErrBadArguments)
	}
	cmd := gjson.ParseBytes(line)
	method := cmd.Get("method")
	if method.Type != gjson.String {
		return fmt.Errorf("%w: missing method", ErrBadArguments)
	}
	if ctxkeys.TraceID(ctx) == "" {
		ctx = ctxkeys.WithTraceID(ctx, uuid.NewString())
	}
	return d.Call(ctx, method.Str, cmd.Get("arguments"))
}

// Call 按方法名分发已解析的参数
func (d *Dispatcher) Call(ctx context.Context, method string, args gjson.Result) error {
	c := d.coordinator
	switch method {
	case MethodInitialize:
		return c.Initialize(ctx)

	case MethodRequestWillBeSent:
		if !args.IsObject() {
			return badArgs(method, "object")
		}
		c.RequestWillBeSent(ctx, record.ParseRequest(args))

	case MethodResponseHeadersReceived:
		if !args.IsObject() {
			return badArgs(method, "object")
		}
		c.ResponseHeadersReceived(ctx, record.ParseResponse(args))

	case MethodInterpretResponseStream, MethodOnDone, MethodResponseReadFinished:
		if args.Type != gjson.String {
			return badArgs(method, "request id string")
		}
		switch method {
		case MethodInterpretResponseStream:
			c.InterpretResponseStream(ctx, args.Str)
		case MethodOnDone:
			c.OnDone(ctx, args.Str)
		default:
			c.ResponseReadFinished(ctx, args.Str)
		}

	case MethodOnDataReceived:
		id := args.Get("id")
		if !args.IsObject() || id.Type != gjson.String {
			return badArgs(method, `{"id": string, "data": bytes}`)
		}
		data := record.Bytes(args.Get("data"))
		if data == nil && args.Get("data").Exists() && args.Get("data").Type != gjson.Null {
			return badArgs(method, "data as number array or base64 string")
		}
		c.OnDataReceived(ctx, id.Str, data)

	case MethodResponseReadFailed:
		parts := args.Array()
		if !args.IsArray() || len(parts) < 2 || parts[0].Type != gjson.String {
			return badArgs(method, "[id, message]")
		}
		c.ResponseReadFailed(ctx, parts[0].Str, parts[1].String())

	default:
		d.log.Debug("未实现的方法", "method", method)
		return fmt.Errorf("%w: %s", ErrNotImplemented, method)
	}
	return nil
}

func badArgs(method, want string) error {
	return fmt.Errorf("%w: %s expects %s", ErrBadArguments, method, want)
}

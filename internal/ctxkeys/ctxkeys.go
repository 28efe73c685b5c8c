package ctxkeys

import "context"

// TraceIDKey 上下文中的追踪 ID 键
type TraceIDKey struct{}

// WithTraceID 返回携带追踪 ID 的上下文
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, traceID)
}

// TraceID 读取上下文中的追踪 ID，不存在时返回空字符串
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}

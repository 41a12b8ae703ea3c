// Package ctxkeys 定义执行单元内部传递给作业与运行器的 context 键。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	jobIDKey     contextKey = "job_id"
	requestIDKey contextKey = "request_id"
	methodKey    contextKey = "inference_method"
)

// WithJobID 设置当前作业 ID
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobID 获取当前作业 ID
func JobID(ctx context.Context) (string, bool) {
	return lookup(ctx, jobIDKey)
}

// WithInference 设置推理请求 ID 与方法名
func WithInference(ctx context.Context, requestID, method string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, methodKey, method)
}

// RequestID 获取推理请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return lookup(ctx, requestIDKey)
}

// InferenceMethod 获取推理方法名
func InferenceMethod(ctx context.Context) (string, bool) {
	return lookup(ctx, methodKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

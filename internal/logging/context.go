// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type poolCtxKey struct{}
type callCtxKey struct{}
type deviceCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := PoolIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("pool.id", id))
	}
	if id := CallIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("call.id", id))
	}
	if device := DeviceFromContext(ctx); device != "" {
		fields = append(fields, zap.String("worker.device", device))
	}

	return fields
}

// WithPoolID tags ctx with the id of the pool serving it.
func WithPoolID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, poolCtxKey{}, id)
}

// PoolIDFromContext returns the pool id, or "".
func PoolIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(poolCtxKey{}).(string)
	return s
}

// WithCallID tags ctx with a dispatch call id.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callCtxKey{}, id)
}

// CallIDFromContext returns the dispatch call id, or "".
func CallIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callCtxKey{}).(string)
	return s
}

// WithDevice tags ctx with the device a worker is bound to.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, deviceCtxKey{}, device)
}

// DeviceFromContext returns the worker device, or "".
func DeviceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(deviceCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

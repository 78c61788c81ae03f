// Package tenantcontext carries the resolved tenant through request contexts.
package tenantcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	requestIDKey contextKey = "tenant_request_id"
)

func WithTenantID(ctx context.Context, tenantID snowflake.ID) context.Context {
	if tenantID == 0 {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	value, ok := ctx.Value(tenantIDKey).(snowflake.ID)
	if !ok || value == 0 {
		return 0, false
	}
	return value, true
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

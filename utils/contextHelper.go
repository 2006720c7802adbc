package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/revenue_backend/appctx"
	"github.com/google/uuid"
)

var (
	ContextKeyUsername              = appctx.ContextKeyUsername
	ContextKeyCorrelationId         = appctx.ContextKeyCorrelationId
	ContextKeySkipProjectionRefresh = appctx.ContextKeySkipProjectionRefresh
)

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// CorrelationIdOrNew returns the correlation id carried by ctx, or a fresh uuid.
func CorrelationIdOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func GetSkipProjectionRefreshFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeySkipProjectionRefresh)
}

func SetSkipProjectionRefreshInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipProjectionRefresh, skip)
}

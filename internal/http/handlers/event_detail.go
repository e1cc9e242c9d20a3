package handlers

import (
	"context"

	"github.com/valyala/fasthttp"

	"opsdash/internal/db"
	"opsdash/internal/http/respond"
)

type LogFinder interface {
	FindLog(ctx context.Context, userID string, id uint) (*db.CanonicalLog, error)
}

// LogDetail returns one of the user's logs with its expiry.
func LogDetail(store LogFinder) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}

		l, err := store.FindLog(ctx, userID, id)
		if err != nil {
			respond.Error(ctx, err)
			return
		}

		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":         l.ID,
			"source":     l.Source,
			"project":    l.SourceProject,
			"event_type": l.EventType,
			"message":    l.Message,
			"severity":   l.Severity,
			"timestamp":  formatTime(l.Timestamp),
			"created_at": formatTime(l.CreatedAt),
			"expires_at": formatTimePtr(l.ExpiresAt),
			"api_key_id": l.APIKeyID,
			"metadata":   l.Metadata,
		})
	}
}

package handlers

import (
	"context"

	"github.com/valyala/fasthttp"

	"opsdash/internal/db"
	"opsdash/internal/http/respond"
)

type LogReader interface {
	ListLogs(ctx context.Context, q db.LogQuery) ([]db.CanonicalLog, error)
}

type logView struct {
	ID        uint           `json:"id"`
	Source    string         `json:"source"`
	Project   string         `json:"project"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp"`
	APIKeyID  *uint          `json:"api_key_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ListLogs returns the user's logs, newest first. Supports source,
// project, limit and offset query parameters.
func ListLogs(store LogReader) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}

		q := db.LogQuery{
			UserID:  userID,
			Source:  string(ctx.QueryArgs().Peek("source")),
			Project: string(ctx.QueryArgs().Peek("project")),
			Limit:   queryInt(ctx, "limit", 50, 200),
			Offset:  queryInt(ctx, "offset", 0, 0),
		}
		logs, err := store.ListLogs(ctx, q)
		if err != nil {
			respond.Error(ctx, err)
			return
		}

		out := make([]logView, 0, len(logs))
		for _, l := range logs {
			out = append(out, logView{
				ID:        l.ID,
				Source:    l.Source,
				Project:   l.SourceProject,
				EventType: l.EventType,
				Message:   l.Message,
				Severity:  l.Severity,
				Timestamp: formatTime(l.Timestamp),
				APIKeyID:  l.APIKeyID,
				Metadata:  l.Metadata,
			})
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"logs": out})
	}
}

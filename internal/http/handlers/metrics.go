package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"opsdash/internal/db"
	"opsdash/internal/http/respond"
)

const maxVolumeDays = 30

// parseRange reads "hours" (float, e.g. 0.5 or 1) or "days" (int) from query and returns
// the cutoff and whether to use 30-min buckets (true when range <= 2 hours).
func parseRange(ctx *fasthttp.RequestCtx, now time.Time) (cutoff time.Time, halfHour bool) {
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 && f <= maxVolumeDays*24 {
			return now.Add(-time.Duration(f * float64(time.Hour))), f <= 2
		}
	}
	days := queryInt(ctx, "days", 1, maxVolumeDays)
	if days == 0 {
		days = 1
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour), false
}

type VolumeReader interface {
	LogVolume(ctx context.Context, q db.VolumeQuery) ([]db.VolumePoint, error)
}

// LogVolume returns log counts per time bucket and source.
func LogVolume(store VolumeReader) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		since, halfHour := parseRange(ctx, time.Now())

		points, err := store.LogVolume(ctx, db.VolumeQuery{
			UserID:   userID,
			Since:    since,
			Source:   string(ctx.QueryArgs().Peek("source")),
			Project:  string(ctx.QueryArgs().Peek("project")),
			HalfHour: halfHour,
		})
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		if points == nil {
			points = []db.VolumePoint{}
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{
			"since":  formatTime(since),
			"series": points,
		})
	}
}

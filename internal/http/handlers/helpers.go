package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "opsdash/internal/http/ctx"
	"opsdash/internal/http/respond"
)

// MustUserID returns the current user id, or sends 401 and returns false.
func MustUserID(ctx *fasthttp.RequestCtx) (string, bool) {
	userID, ok := httpctx.UserIDFromCtx(ctx)
	if !ok {
		respond.Fail(ctx, fasthttp.StatusUnauthorized, "unauthenticated", "sign in required", respond.ActionFixRequest)
		return "", false
	}
	return userID, true
}

// readJSON decodes the request body into v, sending 400 on failure.
func readJSON(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		respond.Fail(ctx, fasthttp.StatusBadRequest, "invalid_json", "invalid JSON body", respond.ActionFixRequest)
		return false
	}
	return true
}

// pathID parses the router parameter name as a positive id.
func pathID(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	s, _ := ctx.UserValue(name).(string)
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		respond.Fail(ctx, fasthttp.StatusBadRequest, "invalid_id", name+" must be a positive integer", respond.ActionFixRequest)
		return 0, false
	}
	return uint(n), true
}

func queryInt(ctx *fasthttp.RequestCtx, name string, def, max int) int {
	n, err := strconv.Atoi(string(ctx.QueryArgs().Peek(name)))
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(log *zap.SugaredLogger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			log.Infow("request",
				"method", string(ctx.Method()),
				"path", string(ctx.Path()),
				"status", ctx.Response.StatusCode(),
				"duration", time.Since(start),
				"ip", ctx.RemoteIP().String(),
			)
		}
	}
}

package middleware

import (
	"strings"

	"github.com/valyala/fasthttp"

	httpctx "opsdash/internal/http/ctx"
	"opsdash/internal/http/respond"
)

// UserAuth trusts the fronting auth proxy: the user id is read from
// header and requests without it are rejected.
func UserAuth(header string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			userID := strings.TrimSpace(string(ctx.Request.Header.Peek(header)))
			if userID == "" {
				respond.Fail(ctx, fasthttp.StatusUnauthorized, "unauthenticated", "sign in required", respond.ActionFixRequest)
				return
			}
			httpctx.SetUserID(ctx, userID)
			next(ctx)
		}
	}
}

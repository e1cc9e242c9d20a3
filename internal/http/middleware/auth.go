package middleware

import (
	"bytes"
	"context"
	"strings"

	"github.com/valyala/fasthttp"

	"opsdash/internal/apikey"
	httpctx "opsdash/internal/http/ctx"
	"opsdash/internal/http/respond"
	"opsdash/internal/metrics"
)

// KeyAuthenticator charges one use of an API key per request.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, key string) (*apikey.Context, error)
}

// APIKeyAuth authorizes requests by the X-API-Key header, falling back
// to an Authorization: Bearer token. Rejections are counted under route.
func APIKeyAuth(auth KeyAuthenticator, route string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			key := string(ctx.Request.Header.Peek("X-API-Key"))
			if key == "" {
				const prefix = "Bearer "
				if h := ctx.Request.Header.Peek("Authorization"); bytes.HasPrefix(h, []byte(prefix)) {
					key = strings.TrimSpace(string(h[len(prefix):]))
				}
			}

			a, err := auth.Authenticate(ctx, key)
			if err != nil {
				respond.Error(ctx, err)
				metrics.Rejected(route, ctx.Response.StatusCode())
				return
			}

			httpctx.SetKeyAuth(ctx, a)
			httpctx.SetUserID(ctx, a.UserID)
			next(ctx)
		}
	}
}

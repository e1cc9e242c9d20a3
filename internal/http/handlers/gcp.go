package handlers

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"opsdash/internal/gcp"
	"opsdash/internal/http/respond"
)

const oauthStateCookie = "opsdash_oauth_state"

type OAuthConnector interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, userID, code string) error
	Connected(ctx context.Context, userID, provider string) (bool, error)
	Disconnect(ctx context.Context, userID, provider string) error
}

type ProjectLister interface {
	ListProjects(ctx context.Context, userID string) ([]gcp.Project, error)
}

// GCPAuth starts the OAuth flow. The state is pinned in a short-lived
// cookie and checked on the callback.
func GCPAuth(conn OAuthConnector) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := MustUserID(ctx); !ok {
			return
		}
		state := uuid.NewString()

		c := fasthttp.AcquireCookie()
		defer fasthttp.ReleaseCookie(c)
		c.SetKey(oauthStateCookie)
		c.SetValue(state)
		c.SetPath("/gcp/callback")
		c.SetHTTPOnly(true)
		c.SetSecure(true)
		c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
		c.SetExpire(time.Now().Add(10 * time.Minute))
		ctx.Response.Header.SetCookie(c)

		ctx.Redirect(conn.AuthURL(state), fasthttp.StatusFound)
	}
}

func GCPCallback(conn OAuthConnector, provider string, log *zap.SugaredLogger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		if e := ctx.QueryArgs().Peek("error"); len(e) > 0 {
			respond.Fail(ctx, fasthttp.StatusBadRequest, "authorization_denied", string(e), respond.ActionReconnect)
			return
		}

		state := ctx.QueryArgs().Peek("state")
		cookie := ctx.Request.Header.Cookie(oauthStateCookie)
		if len(state) == 0 || subtle.ConstantTimeCompare(state, cookie) != 1 {
			respond.Fail(ctx, fasthttp.StatusBadRequest, "invalid_state", "OAuth state mismatch", respond.ActionReconnect)
			return
		}
		code := string(ctx.QueryArgs().Peek("code"))
		if code == "" {
			respond.Fail(ctx, fasthttp.StatusBadRequest, "missing_code", "authorization code required", respond.ActionReconnect)
			return
		}

		if err := conn.Exchange(ctx, userID, code); err != nil {
			log.Warnw("oauth exchange failed", "user_id", userID, "error", err)
			respond.Fail(ctx, fasthttp.StatusBadGateway, "exchange_failed", "could not complete authorization", respond.ActionReconnect)
			return
		}
		ctx.Response.Header.DelClientCookie(oauthStateCookie)
		log.Infow("provider connected", "user_id", userID, "provider", provider)
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"connected": true})
	}
}

func GCPConnection(conn OAuthConnector, provider string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		connected, err := conn.Connected(ctx, userID, provider)
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"connected": connected})
	}
}

func GCPDisconnect(conn OAuthConnector, provider string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		if err := conn.Disconnect(ctx, userID, provider); err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

func GCPProjects(projects ProjectLister) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		list, err := projects.ListProjects(ctx, userID)
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		if list == nil {
			list = []gcp.Project{}
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"projects": list})
	}
}

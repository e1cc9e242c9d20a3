package handlers

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"opsdash/internal/db"
	"opsdash/internal/github"
	httpctx "opsdash/internal/http/ctx"
	"opsdash/internal/http/respond"
	"opsdash/internal/metrics"
	"opsdash/internal/normalize"
)

// LogWriter persists canonical logs.
type LogWriter interface {
	CreateLog(ctx context.Context, l *db.CanonicalLog) error
}

// KeyEnsurer gives a user their first API key.
type KeyEnsurer interface {
	EnsureForUser(ctx context.Context, userID string) error
}

func persist(ctx *fasthttp.RequestCtx, store LogWriter, log *zap.SugaredLogger, route string, l *db.CanonicalLog) {
	if err := store.CreateLog(ctx, l); err != nil {
		log.Errorw("failed to persist log", "route", route, "user_id", l.SourceUserID, "error", err)
		metrics.Rejected(route, fasthttp.StatusInternalServerError)
		respond.Fail(ctx, fasthttp.StatusInternalServerError, "persistence_failed", "failed to store log", respond.ActionRetry)
		return
	}
	metrics.Ingested(l.SourceUserID, l.Source)
	respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
}

func reject(ctx *fasthttp.RequestCtx, log *zap.SugaredLogger, route string, err error) {
	respond.Error(ctx, err)
	metrics.Rejected(route, ctx.Response.StatusCode())
	log.Debugw("ingest rejected", "route", route, "error", err)
}

// ProviderPush receives push deliveries from the subscriptions we
// provision. The owning user comes from the user_id query parameter the
// subscription was created with.
func ProviderPush(store LogWriter, norm *normalize.Normalizer, pushToken string, log *zap.SugaredLogger) fasthttp.RequestHandler {
	const route = "provider-push"
	return func(ctx *fasthttp.RequestCtx) {
		userID := strings.TrimSpace(string(ctx.QueryArgs().Peek("user_id")))
		if userID == "" {
			metrics.Rejected(route, fasthttp.StatusBadRequest)
			respond.Fail(ctx, fasthttp.StatusBadRequest, "missing_user", "user_id query parameter required", respond.ActionFixRequest)
			return
		}
		if pushToken != "" {
			got := ctx.QueryArgs().Peek("token")
			if subtle.ConstantTimeCompare(got, []byte(pushToken)) != 1 {
				metrics.Rejected(route, fasthttp.StatusUnauthorized)
				respond.Fail(ctx, fasthttp.StatusUnauthorized, "invalid_push_token", "push token mismatch", respond.ActionNone)
				return
			}
		}

		l, err := norm.ProviderLog(ctx.PostBody(), normalize.Attribution{UserID: userID})
		if err != nil {
			reject(ctx, log, route, err)
			return
		}
		persist(ctx, store, log, route, l)
	}
}

// Webhook receives repository webhook deliveries for the user named by
// the user_id query parameter on the hook URL.
func Webhook(store LogWriter, keys KeyEnsurer, norm *normalize.Normalizer, secret string, log *zap.SugaredLogger) fasthttp.RequestHandler {
	const route = "webhook"
	return func(ctx *fasthttp.RequestCtx) {
		userID := strings.TrimSpace(string(ctx.QueryArgs().Peek("user_id")))
		if userID == "" {
			metrics.Rejected(route, fasthttp.StatusBadRequest)
			respond.Fail(ctx, fasthttp.StatusBadRequest, "missing_user", "user_id query parameter required", respond.ActionFixRequest)
			return
		}

		body := ctx.PostBody()
		if secret != "" {
			sig := string(ctx.Request.Header.Peek("X-Hub-Signature-256"))
			if sig == "" {
				sig = string(ctx.Request.Header.Peek("X-Hub-Signature"))
			}
			if !github.ValidSignature(sig, body, secret) {
				metrics.Rejected(route, fasthttp.StatusUnauthorized)
				respond.Fail(ctx, fasthttp.StatusUnauthorized, "invalid_signature", "webhook signature mismatch", respond.ActionNone)
				return
			}
		}

		l, err := norm.Webhook(
			string(ctx.Request.Header.Peek("X-GitHub-Event")),
			string(ctx.Request.Header.Peek("X-GitHub-Delivery")),
			body,
			normalize.Attribution{UserID: userID},
		)
		if err != nil {
			reject(ctx, log, route, err)
			return
		}

		if err := keys.EnsureForUser(ctx, userID); err != nil {
			log.Warnw("failed to ensure API key for webhook user", "user_id", userID, "error", err)
		}
		persist(ctx, store, log, route, l)
	}
}

// CustomLog stores a log submitted with an API key. It must run behind
// middleware.APIKeyAuth.
func CustomLog(store LogWriter, norm *normalize.Normalizer, log *zap.SugaredLogger) fasthttp.RequestHandler {
	const route = "custom-log"
	return func(ctx *fasthttp.RequestCtx) {
		a, ok := httpctx.KeyAuthFromCtx(ctx)
		if !ok {
			respond.Fail(ctx, fasthttp.StatusUnauthorized, "missing_key", "API key required", respond.ActionFixRequest)
			return
		}
		keyID := a.APIKeyID

		l, err := norm.Custom(ctx.PostBody(), normalize.Attribution{UserID: a.UserID, APIKeyID: &keyID})
		if err != nil {
			reject(ctx, log, route, err)
			return
		}
		persist(ctx, store, log, route, l)
	}
}

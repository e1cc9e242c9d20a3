// Package respond writes JSON responses and maps service errors to
// statuses with a hint of what the caller should do next.
package respond

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"opsdash/internal/apikey"
	"opsdash/internal/credentials"
	"opsdash/internal/db"
	"opsdash/internal/github"
	"opsdash/internal/normalize"
	"opsdash/internal/provision"
)

// Actions tell the client how to recover from an error.
const (
	ActionNone       = "none"
	ActionReconnect  = "reconnect"
	ActionRetry      = "retry"
	ActionFixRequest = "fix_request"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

func JSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":{"code":"internal","message":"failed to encode response","action":"retry"}}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func Fail(ctx *fasthttp.RequestCtx, status int, code, message, action string) {
	JSON(ctx, status, errorBody{Error: errorDetail{Code: code, Message: message, Action: action}})
}

type mapping struct {
	err    error
	status int
	code   string
	action string
}

// Order matters: a provisioning failure caused by a revoked token must
// report reconnect, so credential errors come first.
var mappings = []mapping{
	{apikey.ErrMissingKey, fasthttp.StatusUnauthorized, "missing_key", ActionFixRequest},
	{apikey.ErrInvalidKey, fasthttp.StatusUnauthorized, "invalid_key", ActionFixRequest},
	{apikey.ErrInactive, fasthttp.StatusForbidden, "inactive_key", ActionFixRequest},
	{apikey.ErrExpired, fasthttp.StatusForbidden, "expired_key", ActionFixRequest},
	{apikey.ErrLimitExceeded, fasthttp.StatusTooManyRequests, "limit_exceeded", ActionNone},

	{credentials.ErrNotConnected, fasthttp.StatusBadRequest, "provider_not_connected", ActionReconnect},
	{credentials.ErrTokenInvalid, fasthttp.StatusBadRequest, "token_invalid", ActionReconnect},
	{credentials.ErrUnavailable, fasthttp.StatusServiceUnavailable, "provider_unavailable", ActionRetry},

	{normalize.ErrMissingProjectID, fasthttp.StatusBadRequest, "missing_project_id", ActionFixRequest},
	{normalize.ErrMalformed, fasthttp.StatusBadRequest, "malformed_payload", ActionFixRequest},
	{normalize.ErrInvalidPayload, fasthttp.StatusBadRequest, "invalid_payload", ActionFixRequest},

	{provision.ErrInvalidProject, fasthttp.StatusBadRequest, "invalid_project", ActionFixRequest},
	{provision.ErrAlreadyProvisioned, fasthttp.StatusConflict, "already_provisioned", ActionNone},
	{provision.ErrProvisioningFailed, fasthttp.StatusInternalServerError, "provisioning_failed", ActionRetry},
	{provision.ErrPersistence, fasthttp.StatusInternalServerError, "persistence_failed", ActionRetry},

	{github.ErrInvalidRepo, fasthttp.StatusBadRequest, "invalid_repo", ActionFixRequest},
	{github.ErrRepoNotFound, fasthttp.StatusNotFound, "repo_not_found", ActionFixRequest},

	{db.ErrNotFound, fasthttp.StatusNotFound, "not_found", ActionNone},
}

// Error writes err as a structured failure. Unknown errors are 500s
// whose message does not leak internals.
func Error(ctx *fasthttp.RequestCtx, err error) {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			Fail(ctx, m.status, m.code, err.Error(), m.action)
			return
		}
	}
	Fail(ctx, fasthttp.StatusInternalServerError, "internal", "internal error", ActionRetry)
}

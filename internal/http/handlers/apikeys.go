package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"opsdash/internal/apikey"
	"opsdash/internal/db"
	"opsdash/internal/http/respond"
)

type KeyManager interface {
	Create(ctx context.Context, userID string, p apikey.CreateParams) (*db.APIKey, error)
	List(ctx context.Context, userID string) ([]db.APIKey, error)
	SetActive(ctx context.Context, userID string, id uint, active bool) error
	Delete(ctx context.Context, userID string, id uint) error
}

type apiKeyView struct {
	ID         uint    `json:"id"`
	Name       string  `json:"name"`
	Key        string  `json:"key,omitempty"`
	Preview    string  `json:"preview"`
	Active     bool    `json:"active"`
	UsageCount uint    `json:"usage_count"`
	UsageLimit *uint   `json:"usage_limit"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at"`
	ExpiresAt  *string `json:"expires_at"`
}

// viewAPIKey hides the secret unless reveal is set.
func viewAPIKey(k db.APIKey, reveal bool) apiKeyView {
	v := apiKeyView{
		ID:         k.ID,
		Name:       k.Name,
		Preview:    preview(k.Key),
		Active:     k.Active,
		UsageCount: k.UsageCount,
		UsageLimit: k.UsageLimit,
		CreatedAt:  formatTime(k.CreatedAt),
		LastUsedAt: formatTimePtr(k.LastUsedAt),
		ExpiresAt:  formatTimePtr(k.ExpiresAt),
	}
	if reveal {
		v.Key = k.Key
	}
	return v
}

func preview(key string) string {
	if len(key) <= 10 {
		return "…"
	}
	return key[:7] + "…" + key[len(key)-4:]
}

func ListAPIKeys(keys KeyManager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		list, err := keys.List(ctx, userID)
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		out := make([]apiKeyView, 0, len(list))
		for _, k := range list {
			out = append(out, viewAPIKey(k, false))
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"keys": out})
	}
}

type createKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days"`
}

// CreateAPIKey returns the full secret once; later listings only show
// a preview.
func CreateAPIKey(keys KeyManager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		var req createKeyRequest
		if len(ctx.PostBody()) > 0 && !readJSON(ctx, &req) {
			return
		}
		if req.ExpiresInDays < 0 {
			respond.Fail(ctx, fasthttp.StatusBadRequest, "invalid_expiry", "expires_in_days must not be negative", respond.ActionFixRequest)
			return
		}

		k, err := keys.Create(ctx, userID, apikey.CreateParams{
			Name:      req.Name,
			ExpiresIn: time.Duration(req.ExpiresInDays) * 24 * time.Hour,
		})
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusCreated, viewAPIKey(*k, true))
	}
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func SetAPIKeyActive(keys KeyManager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		var req setActiveRequest
		if !readJSON(ctx, &req) {
			return
		}
		if req.Active == nil {
			respond.Fail(ctx, fasthttp.StatusBadRequest, "invalid_payload", "active (true|false) required", respond.ActionFixRequest)
			return
		}

		if err := keys.SetActive(ctx, userID, id, *req.Active); err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

func DeleteAPIKey(keys KeyManager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		if err := keys.Delete(ctx, userID, id); err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

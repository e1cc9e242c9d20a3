package ctx

import (
	"github.com/valyala/fasthttp"

	"opsdash/internal/apikey"
)

const (
	UserIDKey  = "userID"
	KeyAuthKey = "keyAuth"
)

func SetUserID(ctx *fasthttp.RequestCtx, userID string) {
	ctx.SetUserValue(UserIDKey, userID)
}

func UserIDFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(UserIDKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// SetKeyAuth stores the API key context that authorized the request.
func SetKeyAuth(ctx *fasthttp.RequestCtx, a *apikey.Context) {
	ctx.SetUserValue(KeyAuthKey, a)
}

func KeyAuthFromCtx(ctx *fasthttp.RequestCtx) (*apikey.Context, bool) {
	v := ctx.UserValue(KeyAuthKey)
	if v == nil {
		return nil, false
	}
	a, ok := v.(*apikey.Context)
	return a, ok && a != nil
}

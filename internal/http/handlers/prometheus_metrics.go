package handlers

import (
	"bytes"
	"context"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"opsdash/internal/apikey"
	"opsdash/internal/http/respond"
)

// KeyResolver identifies the owner of an API key without charging usage.
type KeyResolver interface {
	Resolve(ctx context.Context, key string) (*apikey.Context, error)
}

// filterByUser keeps families without a user label as they are and drops
// every series labelled with another user.
func filterByUser(families []*dto.MetricFamily, userID string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		hasUserLabel := false
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "user" {
					hasUserLabel = true
					break
				}
			}
			if hasUserLabel {
				break
			}
		}

		if !hasUserLabel {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "user" && l.GetValue() == userID {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}

		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}

// UserMetricsHandler serves the Prometheus metrics of the user owning
// the api-key query parameter.
func UserMetricsHandler(keys KeyResolver, gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		a, err := keys.Resolve(ctx, string(ctx.QueryArgs().Peek("api-key")))
		if err != nil {
			respond.Error(ctx, err)
			return
		}

		families, err := gatherer.Gather()
		if err != nil {
			respond.Fail(ctx, fasthttp.StatusInternalServerError, "internal", "failed to gather metrics", respond.ActionRetry)
			return
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filterByUser(families, a.UserID) {
			if err := encoder.Encode(mf); err != nil {
				respond.Fail(ctx, fasthttp.StatusInternalServerError, "internal", "failed to encode metrics", respond.ActionRetry)
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

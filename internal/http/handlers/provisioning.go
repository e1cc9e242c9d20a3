package handlers

import (
	"context"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"opsdash/internal/db"
	"opsdash/internal/http/respond"
	"opsdash/internal/metrics"
	"opsdash/internal/provision"
)

type Provisioner interface {
	Provision(ctx context.Context, userID, projectID string) (*db.ProvisionedPipeline, error)
	Deprovision(ctx context.Context, userID, projectID string) (*provision.TeardownResult, error)
}

type PipelineLister interface {
	ListPipelines(ctx context.Context, userID string) ([]db.ProvisionedPipeline, error)
}

type projectRequest struct {
	ProjectID string `json:"project_id"`
}

func SetupIngestion(p Provisioner, log *zap.SugaredLogger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		var req projectRequest
		if !readJSON(ctx, &req) {
			return
		}

		pipeline, err := p.Provision(ctx, userID, req.ProjectID)
		metrics.Provisioning(userID, "setup", err)
		if err != nil {
			log.Warnw("setup failed", "user_id", userID, "project_id", req.ProjectID, "error", err)
			respond.Error(ctx, err)
			return
		}

		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{
			"topic_name":        pipeline.TopicName,
			"sink_name":         pipeline.SinkName,
			"subscription_name": pipeline.SubscriptionName,
		})
	}
}

func TeardownIngestion(p Provisioner, log *zap.SugaredLogger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		var req projectRequest
		if !readJSON(ctx, &req) {
			return
		}

		res, err := p.Deprovision(ctx, userID, req.ProjectID)
		metrics.Provisioning(userID, "teardown", err)
		if err != nil {
			log.Warnw("teardown failed", "user_id", userID, "project_id", req.ProjectID, "error", err)
			respond.Error(ctx, err)
			return
		}
		if !res.Removed {
			respond.Fail(ctx, fasthttp.StatusNotFound, "not_provisioned", "no log ingestion set up for this project", respond.ActionNone)
			return
		}

		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "orphans_removed": res.Swept})
	}
}

type pipelineView struct {
	ProjectID        string `json:"project_id"`
	TopicName        string `json:"topic_name"`
	SinkName         string `json:"sink_name"`
	SubscriptionName string `json:"subscription_name"`
	CreatedAt        string `json:"created_at"`
}

func ListIngestions(store PipelineLister) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		pipelines, err := store.ListPipelines(ctx, userID)
		if err != nil {
			respond.Error(ctx, err)
			return
		}

		out := make([]pipelineView, 0, len(pipelines))
		for _, p := range pipelines {
			out = append(out, pipelineView{
				ProjectID:        p.ProjectID,
				TopicName:        p.TopicName,
				SinkName:         p.SinkName,
				SubscriptionName: p.SubscriptionName,
				CreatedAt:        formatTime(p.CreatedAt),
			})
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"ingestions": out})
	}
}

package handlers

import (
	"context"

	"github.com/valyala/fasthttp"

	"opsdash/internal/db"
	"opsdash/internal/http/respond"
)

type RepoTracker interface {
	Track(ctx context.Context, userID, repo string) (*db.TrackedRepo, error)
	List(ctx context.Context, userID string) ([]db.TrackedRepo, error)
}

type trackRepoRequest struct {
	RepoName string `json:"repo_name"`
}

type trackedRepoView struct {
	RepoName  string `json:"repo_name"`
	HookID    int64  `json:"hook_id"`
	CreatedAt string `json:"created_at"`
}

func TrackRepo(tracker RepoTracker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		var req trackRepoRequest
		if !readJSON(ctx, &req) {
			return
		}
		r, err := tracker.Track(ctx, userID, req.RepoName)
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		respond.JSON(ctx, fasthttp.StatusOK, trackedRepoView{RepoName: r.RepoName, HookID: r.HookID, CreatedAt: formatTime(r.CreatedAt)})
	}
}

func TrackedRepos(tracker RepoTracker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		userID, ok := MustUserID(ctx)
		if !ok {
			return
		}
		repos, err := tracker.List(ctx, userID)
		if err != nil {
			respond.Error(ctx, err)
			return
		}
		out := make([]trackedRepoView, 0, len(repos))
		for _, r := range repos {
			out = append(out, trackedRepoView{RepoName: r.RepoName, HookID: r.HookID, CreatedAt: formatTime(r.CreatedAt)})
		}
		respond.JSON(ctx, fasthttp.StatusOK, map[string]any{"repos": out})
	}
}

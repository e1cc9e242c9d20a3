package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"opsdash/internal/apikey"
	"opsdash/internal/config"
	"opsdash/internal/credentials"
	"opsdash/internal/db"
	"opsdash/internal/gcp"
	"opsdash/internal/github"
	"opsdash/internal/http/handlers"
	appmw "opsdash/internal/http/middleware"
	"opsdash/internal/logging"
	"opsdash/internal/metrics"
	"opsdash/internal/normalize"
	"opsdash/internal/provision"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if cfg.PublicURL == "" {
		log.Warn("APP_PUBLIC_URL is not set; push subscriptions and webhooks will point nowhere")
	}

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	store := db.New(sqlDB, cfg.DBTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db.StartRetentionWorker(ctx, sqlDB, log.Named("retention"))
	metrics.Init()

	auth := apikey.NewAuthenticator(store)
	keys := apikey.NewKeys(store, cfg.APIKeyUsageLimit, log.Named("apikey"))
	creds := credentials.NewManager(store, credentials.NewGCPConfig(cfg), cfg.RemoteTimeout, log.Named("credentials"))
	norm := normalize.New(time.Duration(cfg.RetentionDays) * 24 * time.Hour)

	orch := provision.New(store, creds,
		func(ctx context.Context, ts oauth2.TokenSource) provision.Remote {
			return gcp.NewClient(oauth2.NewClient(ctx, ts), gcp.WithTimeout(cfg.RemoteTimeout))
		},
		provision.Config{
			Prefix:    cfg.ResourcePrefix,
			PushURL:   cfg.PublicURL + "/ingest/provider-push",
			PushToken: cfg.PushToken,
		},
		log.Named("provision"),
	)
	tracker := github.NewTracker(creds, store, github.DefaultClient,
		cfg.PublicURL+"/ingest/webhook", cfg.GitHubWebhookSecret, cfg.RemoteTimeout, log.Named("github"))

	r := router.New()
	user := appmw.UserAuth(cfg.UserHeader)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/ingest/provider-push", handlers.ProviderPush(store, norm, cfg.PushToken, log.Named("ingest")))
	r.POST("/ingest/webhook", handlers.Webhook(store, keys, norm, cfg.GitHubWebhookSecret, log.Named("ingest")))
	r.POST("/ingest/custom-log", appmw.APIKeyAuth(auth, "custom-log")(handlers.CustomLog(store, norm, log.Named("ingest"))))

	r.POST("/provisioning/setup", user(handlers.SetupIngestion(orch, log.Named("provision"))))
	r.POST("/provisioning/teardown", user(handlers.TeardownIngestion(orch, log.Named("provision"))))
	r.GET("/provisioning", user(handlers.ListIngestions(store)))

	r.GET("/keys", user(handlers.ListAPIKeys(keys)))
	r.POST("/keys", user(handlers.CreateAPIKey(keys)))
	r.POST("/keys/{id}/active", user(handlers.SetAPIKeyActive(keys)))
	r.DELETE("/keys/{id}", user(handlers.DeleteAPIKey(keys)))

	r.GET("/gcp/auth", user(handlers.GCPAuth(creds)))
	r.GET("/gcp/callback", user(handlers.GCPCallback(creds, db.ProviderGCP, log.Named("gcp"))))
	r.GET("/gcp/connection", user(handlers.GCPConnection(creds, db.ProviderGCP)))
	r.DELETE("/gcp/connection", user(handlers.GCPDisconnect(creds, db.ProviderGCP)))
	r.GET("/gcp/projects", user(handlers.GCPProjects(orch)))

	r.POST("/github/track-repo", user(handlers.TrackRepo(tracker)))
	r.GET("/github/tracked-repos", user(handlers.TrackedRepos(tracker)))

	r.GET("/logs", user(handlers.ListLogs(store)))
	r.GET("/logs/volume", user(handlers.LogVolume(store)))
	r.GET("/logs/{id}", user(handlers.LogDetail(store)))
	r.GET("/v1/metrics", handlers.UserMetricsHandler(auth, prometheus.DefaultGatherer))

	server := &fasthttp.Server{
		Handler:      handlers.RequestLogger(log.Named("http"))(r.Handler),
		Name:         "opsdash",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("opsdash listening on %s", cfg.ListenAddr)
		return server.ListenAndServe(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"promptlab/internal/cache"
	"promptlab/internal/config"
	"promptlab/internal/db"
	"promptlab/internal/experiment"
	"promptlab/internal/http/handlers"
	appmw "promptlab/internal/http/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	if err := db.EnsureBootstrapAdmin(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap admin: %v", err)
	}

	prompts := db.NewPromptStore(sqlDB)
	experiments := db.NewExperimentStore(sqlDB)
	versionCache := cache.New(prompts, cfg.CacheTTL)
	versionCache.StartSweeper(cfg.CacheTTL)
	ctrl := experiment.NewController(prompts, experiments, versionCache)

	db.StartRollupWorker(sqlDB)

	handlers.InitPrometheusMetrics()

	r := router.New()

	handler := handlers.RequestLogger(r.Handler)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/login", handlers.LoginSubmit(sqlDB))
	r.POST("/logout", handlers.Logout())

	// Consumer/reporter surface: the planning component asks for
	// templates and routing decisions, the execution harness reports
	// outcomes. Authenticated with bearer API keys.
	r.GET("/v1/prompts/{name}/active", appmw.BearerAuth(sqlDB)(handlers.ActivePrompt(versionCache)))
	r.GET("/v1/prompts/{name}/versions/{version}", appmw.BearerAuth(sqlDB)(handlers.GetPromptVersion(prompts)))
	r.GET("/v1/route/{name}", appmw.BearerAuth(sqlDB)(handlers.RouteHandler(ctrl, versionCache)))
	r.POST("/v1/results", appmw.BearerAuth(sqlDB)(handlers.RecordResultHandler(ctrl)))

	// Operator surface: prompt version management.
	r.POST("/v1/prompts", appmw.AdminAuth(sqlDB, cfg)(handlers.CreateVersion(prompts)))
	r.GET("/v1/prompts", appmw.AdminAuth(sqlDB, cfg)(handlers.ListPrompts(prompts)))
	r.GET("/v1/prompts/{name}/versions", appmw.AdminAuth(sqlDB, cfg)(handlers.ListPromptVersions(prompts)))
	r.POST("/v1/prompts/{name}/activate/{version}", appmw.AdminAuth(sqlDB, cfg)(handlers.ActivatePrompt(prompts, versionCache)))
	r.POST("/v1/prompts/{name}/rollback", appmw.AdminAuth(sqlDB, cfg)(handlers.RollbackPrompt(prompts, versionCache)))

	// Operator surface: experiment lifecycle.
	r.POST("/v1/tests", appmw.AdminAuth(sqlDB, cfg)(handlers.StartTest(ctrl)))
	r.GET("/v1/tests", appmw.AdminAuth(sqlDB, cfg)(handlers.ListTests(ctrl)))
	r.GET("/v1/tests/{id}", appmw.AdminAuth(sqlDB, cfg)(handlers.GetTest(experiments)))
	r.GET("/v1/tests/{id}/results", appmw.AdminAuth(sqlDB, cfg)(handlers.TestResults(ctrl)))
	r.POST("/v1/tests/{id}/split", appmw.AdminAuth(sqlDB, cfg)(handlers.UpdateSplit(ctrl)))
	r.POST("/v1/tests/{id}/complete", appmw.AdminAuth(sqlDB, cfg)(handlers.CompleteTest(ctrl)))
	r.POST("/v1/tests/{id}/cancel", appmw.AdminAuth(sqlDB, cfg)(handlers.CancelTest(ctrl)))

	// Operator surface: account management and metrics.
	r.POST("/admin/users/create", appmw.AdminAuth(sqlDB, cfg)(handlers.CreateUser(sqlDB)))
	r.GET("/admin/users", appmw.AdminAuth(sqlDB, cfg)(handlers.ListUsers(sqlDB)))
	r.POST("/admin/users/{id}/reset-password", appmw.AdminAuth(sqlDB, cfg)(handlers.ResetPassword(sqlDB, cfg)))
	r.POST("/admin/users/{id}/delete", appmw.AdminAuth(sqlDB, cfg)(handlers.DeleteUser(sqlDB, cfg)))
	r.POST("/settings/password", appmw.AdminAuth(sqlDB, cfg)(handlers.ChangePasswordSelf(sqlDB, cfg)))

	r.POST("/admin/apikeys/create", appmw.AdminAuth(sqlDB, cfg)(handlers.CreateAPIKey(sqlDB)))
	r.POST("/admin/apikeys/delete", appmw.AdminAuth(sqlDB, cfg)(handlers.DeleteAPIKey(sqlDB)))
	r.POST("/admin/apikeys/set-active", appmw.AdminAuth(sqlDB, cfg)(handlers.SetActiveAPIKey(sqlDB)))

	r.GET("/v1/metrics", appmw.AdminAuth(sqlDB, cfg)(handlers.PrometheusMetrics()))
	r.GET("/v1/cache/stats", appmw.AdminAuth(sqlDB, cfg)(handlers.CacheStats(versionCache)))
	r.POST("/v1/cache/clear", appmw.AdminAuth(sqlDB, cfg)(handlers.ClearCache(versionCache)))

	log.Printf("promptlab listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

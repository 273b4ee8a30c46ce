package main

import (
	"context"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/hgheiberger/nb/api/swagger"
	"github.com/hgheiberger/nb/internal/handler"
	"github.com/hgheiberger/nb/internal/middleware"
	"github.com/hgheiberger/nb/pkg/config"
	"github.com/hgheiberger/nb/pkg/logger"
	corsmiddleware "github.com/hgheiberger/nb/pkg/middleware/cors"
	reqidmiddleware "github.com/hgheiberger/nb/pkg/middleware/requestid"
)

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(a.logger))
	r.Use(corsmiddleware.New(a.cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.metrics))

	checks := map[string]handler.Pinger{"postgres": a.db}
	if a.redis != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	health := handler.NewMetricsHandler(a.metrics, checks)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.GET("/metrics", health.Prometheus)
	r.GET("/metrics/summary", health.Summary)

	if a.cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	annotations := handler.NewAnnotationHandler(a.annotations)
	rosters := handler.NewRosterHandler(a.rosters)
	exports := handler.NewExportHandler(a.exports)
	stream := handler.NewStreamHandler(a.rosters, a.subscriber, a.cfg.Realtime.Heartbeat, a.logger.Named("stream"))

	api := r.Group(a.cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	group := api.Group("/annotations", middleware.JWT(a.auth, false))
	group.GET("/annotation", annotations.List)
	group.POST("/annotation", annotations.Create)
	group.PUT("/annotation/:id", annotations.Edit)
	group.DELETE("/annotation/:id", annotations.Delete)
	group.GET("/specific_thread", annotations.SpecificThread)
	group.GET("/reply/:id", annotations.Replies)
	group.POST("/reply/:id", annotations.Reply)
	group.POST("/seen/:id", annotations.Seen)
	group.POST("/star/:id", annotations.Star)
	group.POST("/bookmark/:id", annotations.Bookmark)
	group.POST("/replyRequest/:id", annotations.ReplyRequest)

	group.GET("/myClasses", rosters.MyClasses)
	group.GET("/myCurrentSection", rosters.MyCurrentSection)
	group.GET("/allUsers", rosters.AllUsers)
	group.GET("/allTagTypes", rosters.AllTagTypes)

	group.GET("/export", exports.Export)
	group.GET("/export/download", exports.Download)

	api.GET("/realtime/stream", middleware.JWT(a.auth, true), stream.Stream)
	return r
}

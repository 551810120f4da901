package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/faceattend-api/api/swagger"
	"github.com/noah-isme/faceattend-api/internal/bootstrap"
	"github.com/noah-isme/faceattend-api/internal/handler"
	"github.com/noah-isme/faceattend-api/internal/middleware"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/pkg/config"
	"github.com/noah-isme/faceattend-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/faceattend-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/faceattend-api/pkg/middleware/requestid"
)

// @title FaceAttend API
// @version 1.0.0
// @description Facial enrollment, verification and attendance tracking.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("bootstrap failed", "error", err)
	}
	defer app.Close()

	if n, err := app.Verification.RebuildIndex(ctx); err != nil {
		logr.Warn("identify index rebuild failed", zap.Error(err))
	} else {
		logr.Info("identify index ready", zap.Int("entries", n))
	}

	app.Notifications.Start(ctx)
	defer app.Notifications.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(app.Metrics))
	r.Use(middleware.WithResponseMeta())

	registerRoutes(r, app)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func registerRoutes(r *gin.Engine, app *bootstrap.Container) {
	cfg := app.Config

	checks := map[string]handler.Pinger{"postgres": app.DB, "redis": nil}
	if app.Redis != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() })
	}
	metricsHandler := handler.NewMetricsHandler(app.Metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	enrollmentHandler := handler.NewEnrollmentHandler(app.Enrollment, cfg.Media.MaxUploadBytes)
	verificationHandler := handler.NewVerificationHandler(app.Verification)
	var feed handler.LiveFeed
	if app.Redis != nil {
		feed = app.Notifications
	}
	attendanceHandler := handler.NewAttendanceHandler(app.Attendance, feed, 25*time.Second)
	requestHandler := handler.NewManualRequestHandler(app.ManualRequests)
	mediaHandler := handler.NewMediaHandler(app.Signer, app.Storage)
	authHandler := handler.NewAuthHandler()

	api := r.Group(cfg.APIPrefix)
	// Signed tokens authorise media links on their own so <img> tags work.
	api.GET("/media/:token", mediaHandler.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(app.Auth))
	staff := middleware.Staff()
	admin := middleware.RequireRoles(models.RoleAdmin)

	secured.GET("/auth/me", authHandler.Me)

	enrollments := secured.Group("/enrollments")
	enrollments.GET("/statistics", staff, enrollmentHandler.Statistics)
	enrollments.POST("/:identityId", staff, enrollmentHandler.Enroll)
	enrollments.GET("/:identityId", staff, enrollmentHandler.Status)
	enrollments.DELETE("/:identityId", admin, enrollmentHandler.Delete)
	enrollments.GET("/:identityId/attempts", staff, enrollmentHandler.Attempts)

	secured.POST("/verify", verificationHandler.Verify)
	secured.POST("/identify", staff, verificationHandler.Identify)

	attendance := secured.Group("/attendance")
	attendance.POST("/clock-in", attendanceHandler.ClockIn)
	attendance.POST("/clock-out", attendanceHandler.ClockOut)
	attendance.GET("/status/:sessionId", attendanceHandler.Status)
	attendance.POST("/override", staff, attendanceHandler.Override)

	sessions := secured.Group("/sessions/:sessionId", staff)
	sessions.GET("/attendance", attendanceHandler.Roster)
	sessions.GET("/attendance/export", middleware.Audit(app.Repos.Audit, models.AuditActionExport, "attendance_session", "sessionId"), attendanceHandler.Export)
	sessions.GET("/stream", attendanceHandler.Stream)

	secured.GET("/notifications/recent", staff, attendanceHandler.Recent)

	requests := secured.Group("/manual-requests")
	requests.POST("", requestHandler.Submit)
	requests.GET("", staff, requestHandler.List)
	requests.POST("/:id/approve", staff, requestHandler.Approve)
	requests.POST("/:id/reject", staff, requestHandler.Reject)

	secured.GET("/metrics/summary", admin, metricsHandler.Summary)
}

// Package bootstrap wires configuration, storage and services into one
// container shared by the API server and faceattendctl.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/face"
	"github.com/noah-isme/faceattend-api/internal/media"
	"github.com/noah-isme/faceattend-api/internal/repository"
	"github.com/noah-isme/faceattend-api/internal/service"
	"github.com/noah-isme/faceattend-api/pkg/cache"
	"github.com/noah-isme/faceattend-api/pkg/config"
	"github.com/noah-isme/faceattend-api/pkg/database"
	"github.com/noah-isme/faceattend-api/pkg/export"
	"github.com/noah-isme/faceattend-api/pkg/storage"
)

// Repositories groups the persistence layer.
type Repositories struct {
	Users          *repository.UserRepository
	Identities     *repository.IdentityRepository
	Enrollments    *repository.EnrollmentRepository
	Attempts       *repository.AttemptRepository
	Sessions       *repository.SessionRepository
	Attendance     *repository.AttendanceRepository
	ManualRequests *repository.ManualRequestRepository
	Audit          *repository.AuditRepository
	Notifications  *repository.NotificationRepository
	Cache          *repository.CacheRepository
}

// Container holds every long-lived dependency of the process.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Location *time.Location
	Storage  *storage.LocalStorage
	Signer   *storage.SignedURLSigner
	Repos    Repositories

	Metrics        *service.MetricsService
	Auth           *service.AuthService
	Cache          *service.CacheService
	Notifications  *service.NotificationService
	Enrollment     *service.EnrollmentService
	Verification   *service.VerificationService
	Attendance     *service.AttendanceService
	ManualRequests *service.ManualRequestService
}

// New connects to Postgres and, when reachable, Redis, then builds every
// service. Redis is optional: without it caching and notifications are off.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := time.LoadLocation(cfg.Attendance.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Attendance.Timezone, err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if _, err := database.Migrate(ctx, db, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, caching and notifications disabled", zap.Error(err))
		redisClient = nil
	}

	store, err := storage.NewLocalStorage(cfg.Storage.MediaDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init media storage: %w", err)
	}

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Redis:    redisClient,
		Location: loc,
		Storage:  store,
		Signer:   storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL),
		Repos: Repositories{
			Users:          repository.NewUserRepository(db),
			Identities:     repository.NewIdentityRepository(db),
			Enrollments:    repository.NewEnrollmentRepository(db),
			Attempts:       repository.NewAttemptRepository(db),
			Sessions:       repository.NewSessionRepository(db),
			Attendance:     repository.NewAttendanceRepository(db),
			ManualRequests: repository.NewManualRequestRepository(db),
			Audit:          repository.NewAuditRepository(db),
			Notifications:  repository.NewNotificationRepository(redisClient, cfg.Notifications.ListKey),
			Cache:          repository.NewCacheRepository(redisClient, logger),
		},
	}
	c.buildServices()
	return c, nil
}

func (c *Container) buildServices() {
	cfg := c.Config
	logger := c.Logger
	validate := validator.New()

	c.Metrics = service.NewMetricsService()
	c.Auth = service.NewAuthService(logger, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
	})
	c.Cache = service.NewCacheService(c.Repos.Cache, c.Metrics, cfg.Cache.StatsTTL, logger, cfg.Cache.Enabled && c.Redis != nil)
	c.Notifications = service.NewNotificationService(c.Repos.Notifications, c.Metrics, logger, service.NotificationConfig{
		Enabled:    cfg.Notifications.Enabled && c.Redis != nil,
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
	})

	provider, matcher := Provider(cfg.FaceProvider)
	index := Index(cfg.Biometrics.IdentifyIndex)

	c.Verification = service.NewVerificationService(c.Repos.Enrollments, c.Repos.Identities, provider, matcher, index, c.Metrics, logger, service.VerificationConfig{
		Threshold:              cfg.Biometrics.VerificationThreshold,
		RemoteThreshold:        cfg.Biometrics.RemoteMatchThreshold,
		MinDetectionConfidence: cfg.Biometrics.MinDetectionConfidence,
		CropSize:               cfg.Biometrics.CropSize,
		CropPadding:            cfg.Biometrics.CropPadding,
		Timeout:                cfg.Biometrics.VerifyTimeout,
		IdentifyMode:           cfg.Biometrics.IdentifyIndex,
		MaxTopK:                cfg.Biometrics.IdentifyMaxResults,
	})

	c.Enrollment = service.NewEnrollmentService(service.EnrollmentDeps{
		Identities:  c.Repos.Identities,
		Enrollments: c.Repos.Enrollments,
		AttemptLog:  c.Repos.Attempts,
		Extractor: media.NewExtractor(media.Options{
			Video: media.VideoOptions{
				FFmpegPath:  cfg.Media.FFmpegPath,
				FFprobePath: cfg.Media.FFprobePath,
				MaxFrames:   cfg.Biometrics.MaxFrames,
			},
			Archive: media.ArchiveOptions{
				MaxImages:     cfg.Biometrics.MaxArchiveImages,
				MaxEntryBytes: cfg.Media.MaxArchiveEntryMB << 20,
			},
		}),
		Provider:   provider,
		Matcher:    matcher,
		Duplicates: service.NewDuplicateDetector(c.Repos.Enrollments, cfg.Biometrics.DuplicateThreshold, c.Metrics, logger),
		Index:      index,
		Storage:    c.Storage,
		Signer:     c.Signer,
		Cache:      c.Cache,
		Audit:      c.Repos.Audit,
		Metrics:    c.Metrics,
		Logger:     logger,
	}, service.EnrollmentConfig{
		MinFaces:      cfg.Biometrics.MinFaces,
		CropSize:      cfg.Biometrics.CropSize,
		CropPadding:   cfg.Biometrics.CropPadding,
		ThumbnailSize: cfg.Biometrics.ThumbnailSize,
		Workers:       cfg.Media.Workers,
		MaxConcurrent: cfg.Media.MaxConcurrent,
		StatsTTL:      cfg.Cache.StatsTTL,
		MediaURLBase:  cfg.APIPrefix + "/media",
		Location:      c.Location,
	})

	c.Attendance = service.NewAttendanceService(service.AttendanceDeps{
		Sessions:   c.Repos.Sessions,
		Identities: c.Repos.Identities,
		Records:    c.Repos.Attendance,
		Requests:   c.Repos.ManualRequests,
		Verifier:   c.Verification,
		Storage:    c.Storage,
		Notifier:   c.Notifications,
		Audit:      c.Repos.Audit,
		Exporter:   export.NewExporter(),
		Metrics:    c.Metrics,
		Logger:     logger,
	}, validate, service.AttendanceConfig{
		GracePeriod:   cfg.Attendance.GracePeriod,
		Location:      c.Location,
		EnforceWindow: cfg.Attendance.EnforceWindow,
		KeepSnapshots: cfg.Storage.KeepSnapshots,
	})

	c.ManualRequests = service.NewManualRequestService(service.ManualRequestDeps{
		Requests:   c.Repos.ManualRequests,
		Sessions:   c.Repos.Sessions,
		Identities: c.Repos.Identities,
		Records:    c.Repos.Attendance,
		Notifier:   c.Notifications,
		Audit:      c.Repos.Audit,
		Metrics:    c.Metrics,
		Logger:     logger,
	}, validate, cfg.Attendance.GracePeriod, c.Location)
}

// Provider builds the configured face provider. The matcher is only set for
// the remote variant, which keeps its own face collection.
func Provider(cfg config.FaceProviderConfig) (face.Provider, face.Matcher) {
	if cfg.Kind == config.ProviderRemote {
		remote := face.NewRemoteProvider(cfg.RemoteURL, cfg.APIKey, cfg.Timeout)
		return remote, remote
	}
	return face.NewLocalProvider(cfg.LocalURL, cfg.Timeout), nil
}

// Index builds the in-process identify index. pgvector mode searches in the
// database and needs none.
func Index(mode string) biometric.Index {
	switch mode {
	case config.IndexLinear:
		return biometric.NewLinearIndex()
	case config.IndexPGVector:
		return nil
	default:
		return biometric.NewHNSWIndex()
	}
}

// Close releases connections.
func (c *Container) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}

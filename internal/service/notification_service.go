package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/pkg/jobs"
)

type notificationStore interface {
	Publish(ctx context.Context, n *models.Notification) error
	Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error)
	Recent(ctx context.Context, limit int) ([]models.Notification, error)
}

// NotificationConfig sizes the delivery queue.
type NotificationConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

const notificationJobType = "notification"

// NotificationService delivers best-effort events. Publishing never blocks
// and never fails the caller; lost events are logged and counted.
type NotificationService struct {
	repo    notificationStore
	queue   *jobs.Queue
	metrics *MetricsService
	logger  *zap.Logger
	enabled bool
}

// NewNotificationService constructs the service and its worker queue.
func NewNotificationService(repo notificationStore, metrics *MetricsService, logger *zap.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{repo: repo, metrics: metrics, logger: logger, enabled: cfg.Enabled && repo != nil}
	s.queue = jobs.NewQueue("notifications", s.deliver, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
		OnDrop: func(job jobs.Job, err error) {
			s.metrics.RecordNotificationFailure()
		},
	})
	return s
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || !s.enabled {
		return
	}
	s.queue.Start(ctx)
}

// Stop stops the workers. Events still queued are discarded.
func (s *NotificationService) Stop() {
	if s == nil || !s.enabled {
		return
	}
	s.queue.Stop()
}

// Publish queues an event for the given channels.
func (s *NotificationService) Publish(eventType string, payload map[string]interface{}, channels ...string) {
	if s == nil || !s.enabled || len(channels) == 0 {
		return
	}
	n := &models.Notification{
		ID:        uuid.NewString(),
		Type:      eventType,
		Channels:  channels,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.queue.TryEnqueue(jobs.Job{ID: n.ID, Type: notificationJobType, Payload: n}); err != nil {
		s.metrics.RecordNotificationFailure()
		s.logger.Sugar().Warnw("notification not queued", "type", eventType, "error", err)
	}
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(*models.Notification)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", job.Payload)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.repo.Publish(ctx, n)
}

// Subscribe opens a live subscription for an SSE stream.
func (s *NotificationService) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("notifications unavailable")
	}
	return s.repo.Subscribe(ctx, channels...)
}

// Listen subscribes to channels and decodes each message. The returned channel
// closes when ctx ends or the subscription drops; stop releases it early.
func (s *NotificationService) Listen(ctx context.Context, channels ...string) (<-chan models.Notification, func(), error) {
	sub, err := s.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan models.Notification)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	go func() {
		defer close(out)
		defer stop()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					s.logger.Warn("discarding malformed notification", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// Recent returns the newest delivered events.
func (s *NotificationService) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("notifications unavailable")
	}
	return s.repo.Recent(ctx, limit)
}

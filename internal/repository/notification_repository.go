package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// ErrNotificationsDisabled is returned when no Redis client is configured.
var ErrNotificationsDisabled = errors.New("notifications disabled")

const notificationListCap = 1000

// NotificationRepository fans notifications out over Redis pub/sub and keeps
// a capped list of recent events for clients that reconnect.
type NotificationRepository struct {
	client  *redis.Client
	listKey string
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(client *redis.Client, listKey string) *NotificationRepository {
	if listKey == "" {
		listKey = "notifications:recent"
	}
	return &NotificationRepository{client: client, listKey: listKey}
}

// Publish sends n to every channel it names and appends it to the recent list.
func (r *NotificationRepository) Publish(ctx context.Context, n *models.Notification) error {
	if r.client == nil {
		return ErrNotificationsDisabled
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, ch := range n.Channels {
		pipe.Publish(ctx, ch, payload)
	}
	pipe.LPush(ctx, r.listKey, payload)
	pipe.LTrim(ctx, r.listKey, 0, notificationListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to the given channels. The caller closes it.
func (r *NotificationRepository) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if r.client == nil {
		return nil, ErrNotificationsDisabled
	}
	sub := r.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// Recent returns up to limit of the newest notifications.
func (r *NotificationRepository) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	if r.client == nil {
		return nil, ErrNotificationsDisabled
	}
	if limit <= 0 || limit > notificationListCap {
		limit = 50
	}
	raw, err := r.client.LRange(ctx, r.listKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	out := make([]models.Notification, 0, len(raw))
	for _, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

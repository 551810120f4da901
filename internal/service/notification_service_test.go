package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/models"
)

type fakeNotificationStore struct {
	mu        sync.Mutex
	published []*models.Notification
	err       error
	done      chan struct{}
}

func (f *fakeNotificationStore) Publish(ctx context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, n)
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return nil
}

func (f *fakeNotificationStore) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	return nil, errors.New("not supported")
}

func (f *fakeNotificationStore) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Notification, 0, len(f.published))
	for _, n := range f.published {
		out = append(out, *n)
	}
	return out, nil
}

func TestNotificationServiceDelivers(t *testing.T) {
	done := make(chan struct{})
	store := &fakeNotificationStore{done: done}
	svc := NewNotificationService(store, nil, zap.NewNop(), NotificationConfig{Enabled: true, Workers: 1, BufferSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Publish(models.EventClockIn, map[string]interface{}{"record_id": "rec-1"}, models.SessionChannel("s1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
	recent, err := svc.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.EventClockIn, recent[0].Type)
	assert.Equal(t, []string{"attendance-updates-s1"}, recent[0].Channels)
}

func TestNotificationFailuresAreCounted(t *testing.T) {
	metrics := NewMetricsService()
	store := &fakeNotificationStore{err: errors.New("redis down")}
	svc := NewNotificationService(store, metrics, zap.NewNop(), NotificationConfig{Enabled: true, Workers: 1, BufferSize: 1, MaxRetries: 0})

	// Not started: enqueue fails and the caller is unaffected.
	svc.Publish(models.EventClockOut, nil, "c")
	assert.EqualValues(t, 1, metrics.Snapshot().NotificationFailures)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()
	svc.Publish(models.EventClockOut, nil, "c")
	assert.Eventually(t, func() bool {
		return metrics.Snapshot().NotificationFailures == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationServiceDisabled(t *testing.T) {
	store := &fakeNotificationStore{}
	svc := NewNotificationService(store, nil, nil, NotificationConfig{Enabled: false})
	svc.Start(context.Background())
	svc.Publish(models.EventClockIn, nil, "c")
	svc.Stop()
	assert.Empty(t, store.published)

	var nilSvc *NotificationService
	nilSvc.Publish(models.EventClockIn, nil, "c")
}

package hub

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/logger"
)

func TestRetryQueueRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRetryQueue(ctx, logger.New(logger.Config{Format: "text"}))

	var calls atomic.Int32
	q.Enqueue("test write", stderrors.New("transient"), func(ctx context.Context) error {
		if calls.Add(1) < 2 {
			return stderrors.New("still failing")
		}
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 2 {
			if q.PoisonedCount() != 0 {
				t.Errorf("recovered write should not poison, got %d", q.PoisonedCount())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("write never recovered, %d calls", calls.Load())
}

func TestRetryQueuePoisonsAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRetryQueue(ctx, logger.New(logger.Config{Format: "text"}))

	q.Enqueue("doomed write", stderrors.New("down"), func(ctx context.Context) error {
		return stderrors.New("still down")
	})

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if q.PoisonedCount() == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("write was never poisoned")
}

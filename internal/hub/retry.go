package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
)

const (
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxAttempts = 5
)

type pendingWrite struct {
	name     string
	fn       func(ctx context.Context) error
	attempts int
	lastErr  error
}

// RetryQueue re-drives store writes that failed transiently during frame
// handling. The in-memory state change is already applied when a write lands
// here, so clients keep a consistent view while the store catches up.
// Backoff doubles per attempt; after retryMaxAttempts the write moves to the
// poison queue and is logged at error.
type RetryQueue struct {
	ch     chan *pendingWrite
	logger *logger.Logger

	mu       sync.Mutex
	poisoned []*pendingWrite

	wg sync.WaitGroup
}

// NewRetryQueue starts the retry worker. ctx cancellation stops it.
func NewRetryQueue(ctx context.Context, log *logger.Logger) *RetryQueue {
	q := &RetryQueue{
		ch:     make(chan *pendingWrite, 256),
		logger: log.WithComponent("store-retry"),
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Enqueue schedules a failed write for retry. A full queue poisons the
// write immediately rather than blocking the hub executor.
func (q *RetryQueue) Enqueue(name string, lastErr error, fn func(ctx context.Context) error) {
	w := &pendingWrite{name: name, fn: fn, attempts: 1, lastErr: lastErr}
	select {
	case q.ch <- w:
		metrics.StoreRetries.Inc()
	default:
		q.poison(w)
	}
}

// PoisonedCount returns how many writes were abandoned.
func (q *RetryQueue) PoisonedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.poisoned)
}

// Wait blocks until the worker has exited after ctx cancellation.
func (q *RetryQueue) Wait() { q.wg.Wait() }

func (q *RetryQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q.ch:
			q.drive(ctx, w)
		}
	}
}

func (q *RetryQueue) drive(ctx context.Context, w *pendingWrite) {
	for {
		delay := retryBaseDelay << (w.attempts - 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := w.fn(ctx)
		if err == nil {
			q.logger.Info("store write recovered",
				slog.String("write", w.name),
				slog.Int("attempts", w.attempts))
			return
		}

		w.attempts++
		w.lastErr = err
		if w.attempts >= retryMaxAttempts {
			q.poison(w)
			return
		}
		metrics.StoreRetries.Inc()
		q.logger.Warn("store write retry failed",
			slog.String("write", w.name),
			slog.Int("attempts", w.attempts),
			slog.String("error", err.Error()))
	}
}

func (q *RetryQueue) poison(w *pendingWrite) {
	q.mu.Lock()
	q.poisoned = append(q.poisoned, w)
	q.mu.Unlock()
	metrics.StorePoisoned.Inc()
	q.logger.Error("store write abandoned",
		slog.String("write", w.name),
		slog.Int("attempts", w.attempts),
		slog.String("error", w.lastErr.Error()))
}

package drivecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
)

// Task kinds.
const (
	kindCreateWatchChannel        = "createWatchChannel"
	kindCreateChangesWatchChannel = "createChangesWatchChannel"
)

const (
	queueBatchSize  = 10
	rateLimitPause  = 5 * time.Second
	emptyQueuePause = time.Second
)

// Task is a unit of deferred work.
//
// Tasks are delivered at least once, so every kind of task must be idempotent.
type Task struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type createWatchChannelPayload struct {
	FolderID   string `json:"folderId"`
	WebhookURL string `json:"webhookUrl"`
}

type createChangesWatchChannelPayload struct {
	WebhookURL string `json:"webhookUrl"`
}

// CreateWatchChannelTask returns a Task which creates the watch channel of a folder.
func CreateWatchChannelTask(folderID string, webhookURL string) Task {
	payload, _ := json.Marshal(createWatchChannelPayload{FolderID: folderID, WebhookURL: webhookURL})
	return Task{Kind: kindCreateWatchChannel, Payload: payload}
}

// CreateChangesWatchChannelTask returns a Task which creates the change log watch channel.
func CreateChangesWatchChannelTask(webhookURL string) Task {
	payload, _ := json.Marshal(createChangesWatchChannelPayload{WebhookURL: webhookURL})
	return Task{Kind: kindCreateChangesWatchChannel, Payload: payload}
}

type taskHandler func(ctx context.Context, payload json.RawMessage) error

func (cache *Cache) runCreateWatchChannel(ctx context.Context, payload json.RawMessage) error {
	var p createWatchChannelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%v payload: %w", kindCreateWatchChannel, err)
	}

	return cache.CreateAndCacheWatchChannel(ctx, p.FolderID, p.WebhookURL)
}

func (cache *Cache) runCreateChangesWatchChannel(ctx context.Context, payload json.RawMessage) error {
	var p createChangesWatchChannelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%v payload: %w", kindCreateChangesWatchChannel, err)
	}

	return cache.CreateAndCacheChangesWatchChannel(ctx, p.WebhookURL)
}

// errUnknownTask indicates a task of a kind without handler.
var errUnknownTask = errors.New("drivecache: unknown task kind")

// QueueStats summarises a single RunQueue call.
type QueueStats struct {
	// Executed tasks succeeded.
	Executed int
	// Retried tasks were rate limited and enqueued again.
	Retried int
	// Dropped tasks failed and will not be retried.
	Dropped int
	// Requeued tasks were claimed but not executed before the budget ran out.
	Requeued int
}

// Enqueue persists the tasks. The tasks are durable once Enqueue returns.
func (cache *Cache) Enqueue(ctx context.Context, tasks ...Task) error {
	values := make([]json.RawMessage, 0, len(tasks))
	for _, task := range tasks {
		value, err := encode(task)
		if err != nil {
			return err
		}

		values = append(values, value)
	}

	return cache.queue.Push(ctx, values...)
}

// RunQueue executes queued tasks for at most budget.
//
// Tasks are claimed in batches and executed sequentially. A rate limited task is
// enqueued again after which the runner pauses. Any other failure drops the task.
// Claimed tasks which could not be executed within the budget are enqueued again.
func (cache *Cache) RunQueue(ctx context.Context, budget time.Duration) (stats QueueStats, err error) {
	deadline := cache.now().Add(budget)

	defer func() {
		metrics.RecordTasks(stats.Executed, stats.Retried, stats.Dropped, stats.Requeued)
		if depth, err := cache.queue.Len(context.WithoutCancel(ctx)); err == nil {
			metrics.SetQueueDepth(depth)
		}
	}()

	for {
		if ctx.Err() != nil || !cache.now().Before(deadline) {
			return stats, ctx.Err()
		}

		batch, err := cache.claim(ctx)
		if err != nil {
			return stats, err
		}

		if len(batch) == 0 {
			cache.pause(deadline, emptyQueuePause)
			continue
		}

		for i, raw := range batch {
			if ctx.Err() != nil || !cache.now().Before(deadline) {
				rest := batch[i:]

				// The claimed tasks must survive a cancelled context.
				if err := cache.queue.Push(context.WithoutCancel(ctx), rest...); err != nil {
					return stats, err
				}

				stats.Requeued += len(rest)
				return stats, ctx.Err()
			}

			err := cache.execute(ctx, raw)
			switch {
			case err == nil:
				stats.Executed++

			case errors.Is(err, ErrRateLimited):
				if err := cache.queue.Push(context.WithoutCancel(ctx), raw); err != nil {
					return stats, err
				}

				stats.Retried++
				cache.log.Info("Task rate limited, retrying later", zap.Error(err))
				cache.pause(deadline, rateLimitPause)

			default:
				stats.Dropped++
				cache.log.Error("Task failed", zap.ByteString("task", raw), zap.Error(err))
			}
		}
	}
}

// claim pops the next batch of tasks.
// Entries claimed by a concurrent runner are skipped.
func (cache *Cache) claim(ctx context.Context) ([]json.RawMessage, error) {
	entries, err := cache.queue.Entries(ctx)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		batch, err := cache.queue.Pop(ctx, entry, queueBatchSize)
		switch {
		case err == nil:
			return batch, nil
		case errors.Is(err, ds.ErrConflict):
			continue
		case errors.Is(err, ds.ErrDatabase):
			cache.log.Error("Dropped corrupt queue entry", zap.String("key", entry.Key), zap.Error(err))
			continue
		default:
			return nil, err
		}
	}

	return nil, nil
}

func (cache *Cache) execute(ctx context.Context, raw json.RawMessage) error {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	handler, ok := cache.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("%v: %w", task.Kind, errUnknownTask)
	}

	return handler(ctx, task.Payload)
}

// pause sleeps for d, but never beyond the deadline.
func (cache *Cache) pause(deadline time.Time, d time.Duration) {
	remaining := deadline.Sub(cache.now())
	if remaining <= 0 {
		return
	}

	if d > remaining {
		d = remaining
	}

	cache.sleep(d)
}

package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/queue"
	"github.com/saeed-khosravi/fabula/internal/store"
	"github.com/saeed-khosravi/fabula/provider"
)

const reembedBatch = 16

// ReembedWorker drains the re-embed stream: memories written without a
// vector during an embedding outage get their vectors backfilled here.
type ReembedWorker struct {
	consumer *queue.Consumer
	provider provider.Provider
	store    *store.Store
	logger   *log.Logger
}

func NewReembedWorker(c *queue.Consumer, p provider.Provider, st *store.Store, logger *log.Logger) *ReembedWorker {
	if logger == nil {
		logger = log.New(log.Writer(), "[REEMBED] ", log.LstdFlags)
	}
	return &ReembedWorker{consumer: c, provider: p, store: st, logger: logger}
}

// RunOnce processes at most one batch of pending tasks and returns how
// many were backfilled. The scheduler calls this on a cron cadence.
func (w *ReembedWorker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.consumer.Fetch(ctx, reembedBatch, time.Second)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.Task.Content
	}
	vectors, err := w.provider.CreateEmbedding(ctx, texts)
	if err != nil {
		// Leave everything pending; the next tick retries.
		return 0, err
	}
	if len(vectors) != len(pending) {
		return 0, errors.New("embedding count mismatch")
	}

	done := 0
	for i, p := range pending {
		task := p.Task
		if err := w.store.SetEmbedding(ctx, task.Tenant, task.MemoryID, vectors[i]); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				// Memory was deleted since queueing; nothing to backfill.
				w.logger.Printf("warn: reembed target %s gone, dropping task", task.MemoryID)
				if ackErr := w.consumer.Ack(ctx, p.StreamID); ackErr != nil {
					w.logger.Printf("warn: ack %s: %v", p.StreamID, ackErr)
				}
				continue
			}
			w.logger.Printf("warn: reembed %s: %v", task.MemoryID, err)
			continue
		}
		if err := w.consumer.Ack(ctx, p.StreamID); err != nil {
			w.logger.Printf("warn: ack %s: %v", p.StreamID, err)
			continue
		}
		done++
	}
	return done, nil
}

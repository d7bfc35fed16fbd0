// Package cleaner runs the background retention worker. It periodically
// trims old rule execution logs and hard-deletes messages whose
// soft-delete grace period has expired, removing their bodies from
// object storage when no other message still references them.
package cleaner

import (
	"context"
	"time"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/retry"
)

const purgeBatchSize = 500

// Store is the persistence surface the worker needs.
type Store interface {
	PurgeOldRuleExecutions(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeSoftDeletedMessages(ctx context.Context, olderThan time.Duration, limit int) ([]db.PurgedMessage, error)
	ContentHashInUse(ctx context.Context, accountID int64, contentHash string) (bool, error)
}

// BlobStore deletes stored message bodies.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
}

// Worker is the periodic retention worker.
type Worker struct {
	store              Store
	blobs              BlobStore
	wakeInterval       time.Duration
	executionRetention time.Duration
	messageGracePeriod time.Duration
	backoff            retry.BackoffConfig
	stopCh             chan struct{}
}

// New creates a Worker. Intervals below one minute are raised to one
// minute so a misconfiguration cannot busy-loop the database.
func New(store Store, blobs BlobStore, wakeInterval, executionRetention, messageGracePeriod time.Duration) *Worker {
	const minInterval = time.Minute
	if wakeInterval < minInterval {
		logger.Warn("cleanup interval below minimum, raising",
			"configured", wakeInterval, "minimum", minInterval)
		wakeInterval = minInterval
	}
	return &Worker{
		store:              store,
		blobs:              blobs,
		wakeInterval:       wakeInterval,
		executionRetention: executionRetention,
		messageGracePeriod: messageGracePeriod,
		backoff:            retry.DefaultBackoffConfig(),
		stopCh:             make(chan struct{}),
	}
}

// Start launches the worker goroutine. It runs until ctx is cancelled
// or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	logger.Info("cleanup worker starting",
		"interval", w.wakeInterval,
		"execution_retention", w.executionRetention,
		"message_grace_period", w.messageGracePeriod)

	ticker := time.NewTicker(w.wakeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup worker stopped", "reason", "context cancelled")
				return
			case <-w.stopCh:
				logger.Info("cleanup worker stopped", "reason", "stop signal")
				return
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					logger.Error("cleanup run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to exit.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// RunOnce performs a single retention pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	removed, err := w.store.PurgeOldRuleExecutions(ctx, w.executionRetention)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("purged old rule executions", "count", removed)
	}

	// Drain expired messages in batches so a large backlog cannot hold
	// a single statement open for too long.
	var purgedTotal, blobsDeleted int
	for {
		purged, err := w.store.PurgeSoftDeletedMessages(ctx, w.messageGracePeriod, purgeBatchSize)
		if err != nil {
			return err
		}
		if len(purged) == 0 {
			break
		}
		purgedTotal += len(purged)

		for _, msg := range purged {
			deleted, err := w.deleteOrphanedBlob(ctx, msg)
			if err != nil {
				logger.Error("failed to delete message body",
					"account_id", msg.AccountID, "content_hash", msg.ContentHash, "error", err)
				continue
			}
			if deleted {
				blobsDeleted++
			}
		}
		if len(purged) < purgeBatchSize {
			break
		}
	}

	if purgedTotal > 0 {
		logger.Info("purged expired messages", "messages", purgedTotal, "bodies_deleted", blobsDeleted)
	}
	return nil
}

// deleteOrphanedBlob removes the stored body of a purged message unless
// another message of the same account still shares the content hash.
func (w *Worker) deleteOrphanedBlob(ctx context.Context, msg db.PurgedMessage) (bool, error) {
	inUse, err := w.store.ContentHashInUse(ctx, msg.AccountID, msg.ContentHash)
	if err != nil {
		return false, err
	}
	if inUse {
		return false, nil
	}

	key := helpers.MessageKey(msg.AccountID, msg.ContentHash)
	err = retry.WithRetry(ctx, func() error {
		return w.blobs.Delete(ctx, key)
	}, w.backoff)
	if err != nil {
		return false, err
	}
	return true, nil
}

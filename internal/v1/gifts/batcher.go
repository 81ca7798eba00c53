// Package gifts batches gift transactions for settlement. Sends are
// broadcast optimistically at the socket layer; this package owns the
// durable queue, the periodic flush to the backend, per-item refusal
// delivery, and the retry plus dead-letter path for backend outages.
package gifts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/backend"
	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

const (
	pendingKey    = "gifts:pending"
	deadLetterKey = "gifts:dead_letter"
)

// Settler is the slice of the backend client the batcher needs.
type Settler interface {
	SettleGiftBatch(ctx context.Context, batch []types.GiftTransaction) (*backend.BatchResult, error)
}

// Notifier delivers a gift:error push to the sending connection when it is
// still attached to this node. Reports whether delivery happened, so the
// batcher can fall back to the cross-node user channel.
type Notifier func(conn types.ConnIdType, payload types.GiftErrorPayload) bool

// Batcher drains the pending gift queue on a fixed cadence.
type Batcher struct {
	rdb        *redis.Client
	settler    Settler
	notify     Notifier
	bus        *bus.Service
	interval   time.Duration
	maxRetries int
}

func NewBatcher(rdb *redis.Client, settler Settler, notify Notifier, busSvc *bus.Service, interval time.Duration, maxRetries int) *Batcher {
	return &Batcher{
		rdb:        rdb,
		settler:    settler,
		notify:     notify,
		bus:        busSvc,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// notifySender pushes the error to the sender's local connection, or onto
// their user channel when they reconnected to another node.
func (b *Batcher) notifySender(ctx context.Context, conn types.ConnIdType, sender types.UserIdType, payload types.GiftErrorPayload) {
	if b.notify != nil && b.notify(conn, payload) {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = b.bus.Publish(ctx, bus.UserChannel(strconv.FormatInt(int64(sender), 10)), bus.Envelope{
		Event:   string(types.EventGiftError),
		Payload: data,
	})
}

// Enqueue appends a transaction to the durable pending queue.
func (b *Batcher) Enqueue(ctx context.Context, tx types.GiftTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal gift transaction: %w", err)
	}
	if err := b.rdb.RPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue gift: %w", err)
	}
	return nil
}

// Run flushes on the configured interval until ctx is cancelled, then runs
// one last flush so a graceful shutdown leaves no pending gifts behind.
func (b *Batcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.Flush(context.Background())
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	}()
}

// Flush drains the pending queue once. The queue is first renamed to a
// processing key so a concurrent enqueue or a second flusher never sees the
// same transaction twice; the rename is the atomic claim.
func (b *Batcher) Flush(ctx context.Context) {
	processingKey := pendingKey + ":processing:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := b.rdb.Rename(ctx, pendingKey, processingKey).Err(); err != nil {
		if isNoSuchKey(err) {
			return // nothing pending
		}
		logging.Error(ctx, "gift queue claim failed", zap.Error(err))
		metrics.GiftFlushes.WithLabelValues("error").Inc()
		return
	}

	raw, err := b.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		logging.Error(ctx, "gift queue read failed", zap.Error(err))
		metrics.GiftFlushes.WithLabelValues("error").Inc()
		return
	}

	batch := make([]types.GiftTransaction, 0, len(raw))
	for _, item := range raw {
		var tx types.GiftTransaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			logging.Warn(ctx, "dropping malformed gift record", zap.Error(err))
			continue
		}
		batch = append(batch, tx)
	}
	if len(batch) == 0 {
		b.rdb.Del(ctx, processingKey)
		return
	}

	metrics.GiftBatchSize.Observe(float64(len(batch)))

	result, err := b.settler.SettleGiftBatch(ctx, batch)
	if err != nil {
		// The whole batch failed to reach the backend; requeue with a
		// bumped retry count and dead-letter the exhausted ones.
		b.requeue(ctx, batch)
		b.rdb.Del(ctx, processingKey)
		metrics.GiftFlushes.WithLabelValues("retry").Inc()
		logging.Warn(ctx, "gift batch settlement failed",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		return
	}

	// Per-item refusals are final; tell the sender and move on.
	refused := map[string]backend.BatchFailure{}
	for _, f := range result.Failed {
		refused[f.TransactionId] = f
	}
	for _, tx := range batch {
		f, ok := refused[tx.TransactionId]
		if !ok {
			continue
		}
		b.notifySender(ctx, tx.SenderConnId, tx.SenderId, types.GiftErrorPayload{
			TransactionId: f.TransactionId,
			Code:          f.Code,
			Reason:        f.Reason,
		})
	}

	b.rdb.Del(ctx, processingKey)
	metrics.GiftFlushes.WithLabelValues("ok").Inc()
}

func (b *Batcher) requeue(ctx context.Context, batch []types.GiftTransaction) {
	for _, tx := range batch {
		tx.RetryCount++
		data, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		if tx.RetryCount >= b.maxRetries {
			if err := b.rdb.RPush(ctx, deadLetterKey, data).Err(); err != nil {
				logging.Error(ctx, "dead-letter push failed",
					zap.String("transaction_id", tx.TransactionId), zap.Error(err))
				continue
			}
			metrics.GiftDeadLetters.Inc()
			b.notifySender(ctx, tx.SenderConnId, tx.SenderId, types.GiftErrorPayload{
				TransactionId: tx.TransactionId,
				Code:          "PROCESSING_FAILED",
				Reason:        "gift could not be settled after retries",
			})
			logging.Error(ctx, "gift transaction dead-lettered",
				zap.String("transaction_id", tx.TransactionId), zap.Int("retries", tx.RetryCount))
			continue
		}
		if err := b.rdb.RPush(ctx, pendingKey, data).Err(); err != nil {
			logging.Error(ctx, "gift requeue failed",
				zap.String("transaction_id", tx.TransactionId), zap.Error(err))
		}
	}
}

func isNoSuchKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}

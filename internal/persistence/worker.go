package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"marginwatch/internal/observability"
)

// SnapshotWorker drains the snapshot channel and batch-writes health
// snapshots to Postgres. It runs independently from the monitor loop;
// the channel is buffered and sends from the monitor are non-blocking,
// so a slow database degrades snapshot history rather than scanning.
type SnapshotWorker struct {
	writer       *HistoryWriter
	inputChan    <-chan HealthSnapshotRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewSnapshotWorker(
	db *sql.DB,
	inputChan <-chan HealthSnapshotRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *SnapshotWorker {
	return &SnapshotWorker{
		writer:       NewHistoryWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the snapshot worker loop. It batches incoming rows and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (sw *SnapshotWorker) Run(ctx context.Context) error {
	batch := make([]HealthSnapshotRow, 0, sw.batchSize)

	timer := time.NewTimer(sw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := sw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case row, ok := <-sw.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(batch) > 0 {
					if err := sw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, row)

			// Flush if batch is full
			if len(batch) >= sw.batchSize {
				if err := sw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(sw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(batch) > 0 {
				if err := sw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(sw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. Retries
// continue until the write succeeds or the context is cancelled; on
// cancellation one final flush runs with a background context so the
// batch is not lost during shutdown.
func (sw *SnapshotWorker) flushWithRetry(ctx context.Context, rows []HealthSnapshotRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: snapshot flush retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, len(rows))
			select {
			case <-ctx.Done():
				finalErr := sw.flush(context.Background(), rows)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := sw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: snapshot flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if sw.metrics != nil {
			sw.metrics.PersistErrors.WithLabelValues("health_snapshots").Inc()
		}
	}
}

func (sw *SnapshotWorker) flush(ctx context.Context, rows []HealthSnapshotRow) error {
	start := time.Now()

	if err := sw.writer.WriteSnapshotBatch(ctx, rows); err != nil {
		return err
	}

	if sw.metrics != nil {
		sw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		sw.metrics.PersistWrites.WithLabelValues("health_snapshots").Add(float64(len(rows)))
	}

	return nil
}

// GetWriter returns the underlying writer for liquidation records.
func (sw *SnapshotWorker) GetWriter() *HistoryWriter {
	return sw.writer
}

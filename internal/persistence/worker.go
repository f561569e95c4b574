package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"SettleHub/internal/node"
	"SettleHub/internal/observability"
)

// PersistenceWorker drains the node's persist channel and batch-writes to
// Postgres. The persist channel uses BLOCKING sends from the command loop,
// so if this worker falls behind the loop stalls and no output is lost.
type PersistenceWorker struct {
	writer       *RowWriter
	inputChan    <-chan node.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

type batch struct {
	messages   []MessageRow
	snapshots  []SnapshotRow
	aggregates []AggregateRow
	rebalances []RebalanceRow
}

func (b *batch) add(out node.Output) {
	if out.Message != nil {
		b.messages = append(b.messages, NewMessageRow(out.Message))
	}
	if out.Snapshot != nil {
		b.snapshots = append(b.snapshots, NewSnapshotRow(out.Snapshot))
	}
	if out.Aggregate != nil {
		b.aggregates = append(b.aggregates, NewAggregateRow(out.Aggregate))
	}
	if out.Rebalance != nil {
		b.rebalances = append(b.rebalances, NewRebalanceRow(out.Rebalance))
	}
}

func (b *batch) size() int {
	return len(b.messages) + len(b.snapshots) + len(b.aggregates) + len(b.rebalances)
}

func (b *batch) reset() {
	b.messages = b.messages[:0]
	b.snapshots = b.snapshots[:0]
	b.aggregates = b.aggregates[:0]
	b.rebalances = b.rebalances[:0]
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan node.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewRowWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var b batch

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining with a background
			// context so the batch is not lost.
			if b.size() > 0 {
				if err := pw.flush(context.Background(), &b); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if b.size() > 0 {
					if err := pw.flush(context.Background(), &b); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			b.add(out)

			if b.size() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, &b); err != nil {
					log.Printf("ERROR: batch flush failed: %v", err)
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if b.size() > 0 {
				if err := pw.flushWithRetry(ctx, &b); err != nil {
					log.Printf("ERROR: timeout flush failed: %v", err)
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops output rows.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, b.size())
			if pw.metrics != nil {
				pw.metrics.PersistRetries.Inc()
			}
			select {
			case <-ctx.Done():
				// Shutdown mid-retry: one final attempt with a
				// background context.
				if err := pw.flush(context.Background(), b); err != nil {
					if pw.metrics != nil {
						pw.metrics.PersistErrors.Inc()
					}
					return err
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
		log.Printf("WARN: persistence flush failed: %v", err)
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteMessageBatch(ctx, tx, b.messages); err != nil {
		return err
	}
	if err := pw.writer.WriteSnapshotBatch(ctx, tx, b.snapshots); err != nil {
		return err
	}
	if err := pw.writer.WriteAggregateBatch(ctx, tx, b.aggregates); err != nil {
		return err
	}
	if err := pw.writer.WriteRebalanceBatch(ctx, tx, b.rebalances); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistRowsWritten.Add(float64(b.size()))
		pw.metrics.PersistBatchSize.Observe(float64(b.size()))
	}
	return nil
}

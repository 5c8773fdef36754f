// Package coordinator implements PartitionCoordinator: the poll loop,
// message routing, assignment/revocation handling, and offset-commit
// coalescing that sit above the per-partition workers.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/metrics"
	"github.com/coffersTech/nanolog/server/internal/model"
	"github.com/coffersTech/nanolog/server/internal/otlpcodec"
	"github.com/coffersTech/nanolog/server/internal/rowsql"
	"github.com/coffersTech/nanolog/server/internal/transform"
	"github.com/coffersTech/nanolog/server/internal/worker"
)

// Message is the polled envelope the ConsumerAdapter hands back.
type Message struct {
	Topic       string
	Partition   int32
	Offset      int64
	Payload     []byte
	ContentType string
}

// Consumer is the narrow contract PartitionCoordinator drives. Implemented
// in production by kafkaconsumer.Adapter.
type Consumer interface {
	Subscribe(topic string) error
	Poll(ctx context.Context) (*Message, error)
	Seek(partition int32, offset int64) error
	CommitOffset(partition int32, offset int64) error
	OnAssignment(func([]int32))
	OnRevocation(func([]int32))
	Close() error
}

// Iceberg is the narrow contract the coordinator needs beyond what it hands
// each worker: readiness reporting for the admin surface.
type Iceberg interface {
	worker.Committer
	Ready() bool
}

// StagingFactory builds a fresh per-partition staging store, scoped to the
// shared DuckDB connection.
type StagingFactory func(partition int32) worker.Staging

// DeadLetter receives payloads that failed to parse. Implemented by
// dlq.Queue; a nil DeadLetter makes parse failures log-only.
type DeadLetter interface {
	Write(topic string, partition int32, offset int64, payload []byte, parseErr error)
}

// Coordinator owns the partition-to-worker map, routes polled messages,
// and reacts to rebalance callbacks.
type Coordinator struct {
	cfg      *config.Config
	logger   *zap.Logger
	consumer Consumer
	iceberg  Iceberg
	newStage StagingFactory
	dlq      DeadLetter

	workersMu sync.RWMutex
	workers   map[int32]*worker.Worker

	pendingMu sync.Mutex
	pending   map[int32]int64
}

// New constructs a Coordinator. Initialize must be called before Run.
func New(cfg *config.Config, logger *zap.Logger, consumer Consumer, iceberg Iceberg, newStage StagingFactory, dlq DeadLetter) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		consumer: consumer,
		iceberg:  iceberg,
		newStage: newStage,
		dlq:      dlq,
		workers:  make(map[int32]*worker.Worker),
		pending:  make(map[int32]int64),
	}
}

// Initialize installs the rebalance callbacks and subscribes to the
// configured topic. Workers for already-owned partitions are created
// lazily, inside the assignment callback, once the client reports them.
func (co *Coordinator) Initialize(ctx context.Context) error {
	co.consumer.OnAssignment(func(partitions []int32) { co.handleAssignment(ctx, partitions) })
	co.consumer.OnRevocation(func(partitions []int32) { co.handleRevocation(ctx, partitions) })

	if err := co.consumer.Subscribe(co.cfg.KafkaTopic); err != nil {
		return apperrors.New(apperrors.KindConfigInvalid, "coordinator.Initialize", err)
	}
	return nil
}

// Run drives the poll loop on the caller's goroutine until ctx is canceled.
func (co *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := co.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			co.logger.Warn("poll failed", zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		co.route(ctx, msg)
	}
}

// route transforms a polled message and hands it to the owning worker,
// creating one on demand if assignment hasn't caught up yet.
func (co *Coordinator) route(ctx context.Context, msg *Message) {
	req, err := otlpcodec.Decode(msg.ContentType, msg.Payload)
	if err != nil {
		co.handleParseFailure(msg, err)
		return
	}

	records := transform.Transform(req, msg.Topic, msg.Partition, msg.Offset)

	w := co.workerFor(ctx, msg.Topic, msg.Partition)
	if w == nil {
		return
	}

	if len(records) == 0 {
		// Nothing to persist, but the offset must still advance so the
		// consumer group does not stall on an empty batch.
		co.scheduleOffsetCommit(msg.Partition, msg.Offset+1)
		return
	}

	pm := model.PartitionMessage{Records: records, MaxOffset: msg.Offset}
	if err := w.Enqueue(ctx, pm); err != nil {
		co.logger.Warn("enqueue canceled", zap.Int32("partition", msg.Partition), zap.Error(err))
	}
}

// handleParseFailure routes an unparseable payload to the DLQ (if enabled)
// and advances the offset as if zero records had been committed, per the
// taxonomy's ParseError semantics.
func (co *Coordinator) handleParseFailure(msg *Message, err error) {
	co.logger.Warn("dropping unparseable message",
		zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
	metrics.ParseErrorsTotal.WithLabelValues(msg.Topic).Inc()
	if co.dlq != nil {
		co.dlq.Write(msg.Topic, msg.Partition, msg.Offset, msg.Payload, err)
		metrics.DLQWritesTotal.Inc()
	}
	co.scheduleOffsetCommit(msg.Partition, msg.Offset+1)
}

func (co *Coordinator) workerFor(ctx context.Context, topic string, partition int32) *worker.Worker {
	co.workersMu.RLock()
	w, ok := co.workers[partition]
	co.workersMu.RUnlock()
	if ok {
		return w
	}

	co.workersMu.Lock()
	defer co.workersMu.Unlock()
	if w, ok := co.workers[partition]; ok {
		return w
	}

	w = co.newWorkerLocked(topic, partition)
	if err := co.startWorker(ctx, w); err != nil {
		co.logger.Error("failed to start worker created on demand", zap.Int32("partition", partition), zap.Error(err))
		delete(co.workers, partition)
		return nil
	}
	return w
}

func (co *Coordinator) newWorkerLocked(topic string, partition int32) *worker.Worker {
	st := co.newStage(partition)
	// The worker reports the highest offset now in Iceberg; the log commit
	// takes the next offset to read, hence +1.
	onCommitted := func(p int32, offset int64) { co.scheduleOffsetCommit(p, offset+1) }
	w := worker.New(topic, partition, st, co.iceberg, co.cfg, co.logger, rowsql.EstimateRecordsSize, onCommitted)
	co.workers[partition] = w
	return w
}

func (co *Coordinator) startWorker(ctx context.Context, w *worker.Worker) error {
	seekTo, err := w.RecoverMaxOffset(ctx)
	if err != nil {
		return err
	}
	if seekTo >= 0 {
		if err := co.consumer.Seek(w.Partition(), seekTo); err != nil {
			return err
		}
	}
	return w.Start(ctx)
}

// handleAssignment creates and starts a worker for every newly assigned
// partition, seeking the consumer past any offsets already in Iceberg.
func (co *Coordinator) handleAssignment(ctx context.Context, partitions []int32) {
	co.workersMu.Lock()
	defer co.workersMu.Unlock()

	for _, p := range partitions {
		if _, exists := co.workers[p]; exists {
			continue
		}
		w := co.newWorkerLocked(co.cfg.KafkaTopic, p)
		if err := co.startWorker(ctx, w); err != nil {
			co.logger.Error("failed to start worker on assignment", zap.Int32("partition", p), zap.Error(err))
			delete(co.workers, p)
		}
	}
	metrics.WorkersAssigned.Set(float64(len(co.workers)))
}

// handleRevocation commits pending log offsets, stops, and removes the
// worker for each revoked partition.
func (co *Coordinator) handleRevocation(ctx context.Context, partitions []int32) {
	co.commitPendingOffsets()

	co.workersMu.Lock()
	defer co.workersMu.Unlock()

	for _, p := range partitions {
		w, ok := co.workers[p]
		if !ok {
			continue
		}
		w.SignalStop()

		stopCtx, cancel := context.WithTimeout(ctx, co.cfg.RebalanceTimeout())
		if err := w.WaitForStop(stopCtx); err != nil {
			co.logger.Warn("worker did not stop within rebalance timeout", zap.Int32("partition", p), zap.Error(err))
		}
		cancel()

		if err := w.Teardown(ctx); err != nil {
			co.logger.Warn("staging teardown failed on revocation", zap.Int32("partition", p), zap.Error(err))
		}
		delete(co.workers, p)
	}
	metrics.WorkersAssigned.Set(float64(len(co.workers)))

	co.commitPendingOffsets()
}

// scheduleOffsetCommit coalesces the highest offset seen per partition;
// actual commits to the log happen in commitPendingOffsets.
func (co *Coordinator) scheduleOffsetCommit(partition int32, offset int64) {
	co.pendingMu.Lock()
	defer co.pendingMu.Unlock()
	if offset > co.pending[partition] {
		co.pending[partition] = offset
	}
}

// commitPendingOffsets flushes the coalesced offsets to the log. Failures
// are logged, not retried synchronously: the next successful commit or the
// revocation path will try again.
func (co *Coordinator) commitPendingOffsets() {
	co.pendingMu.Lock()
	pending := co.pending
	co.pending = make(map[int32]int64)
	co.pendingMu.Unlock()

	for partition, offset := range pending {
		if err := co.consumer.CommitOffset(partition, offset); err != nil {
			co.logger.Warn("log offset commit failed", zap.Int32("partition", partition), zap.Int64("offset", offset), zap.Error(err))
			co.scheduleOffsetCommit(partition, offset)
		}
	}
}

// ForceFlushAll fans ForceFlush out to every worker, waits for all of them
// bounded by timeout, then commits pending log offsets. It returns success
// iff every worker reported a successful flush.
func (co *Coordinator) ForceFlushAll(ctx context.Context, timeout time.Duration) error {
	co.workersMu.RLock()
	targets := make([]*worker.Worker, 0, len(co.workers))
	for _, w := range co.workers {
		targets = append(targets, w)
	}
	co.workersMu.RUnlock()

	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []int32

	for _, w := range targets {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			ok, err := w.ForceFlush(flushCtx)
			if err != nil || !ok {
				mu.Lock()
				failures = append(failures, w.Partition())
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	co.commitPendingOffsets()

	if len(failures) > 0 {
		return fmt.Errorf("force flush failed for partitions %v", failures)
	}
	return nil
}

// WorkerCount reports how many partitions are currently owned, for the
// admin surface's /stats endpoint.
func (co *Coordinator) WorkerCount() int {
	co.workersMu.RLock()
	defer co.workersMu.RUnlock()
	return len(co.workers)
}

// Stop halts polling (the caller cancels Run's context separately), signals
// every worker, waits up to the configured rebalance timeout for each, and
// makes a final attempt at committing pending log offsets.
func (co *Coordinator) Stop(ctx context.Context) error {
	co.workersMu.Lock()
	partitions := make([]int32, 0, len(co.workers))
	for p := range co.workers {
		partitions = append(partitions, p)
	}
	co.workersMu.Unlock()

	for _, p := range partitions {
		co.workersMu.RLock()
		w := co.workers[p]
		co.workersMu.RUnlock()
		if w == nil {
			continue
		}
		w.SignalStop()
	}

	for _, p := range partitions {
		co.workersMu.RLock()
		w := co.workers[p]
		co.workersMu.RUnlock()
		if w == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, co.cfg.RebalanceTimeout())
		_ = w.WaitForStop(stopCtx)
		cancel()
	}

	co.commitPendingOffsets()
	return co.consumer.Close()
}

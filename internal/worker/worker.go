// Package worker implements PartitionWorker: the single-goroutine state
// machine that owns one partition's staging table, applies flush triggers,
// and retries Iceberg commits with backoff.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/metrics"
	"github.com/coffersTech/nanolog/server/internal/model"
)

// State is one of the worker's four lifecycle states.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateStopped
)

// Committer is the subset of iceberg.Client a worker needs to flush its
// staging table and recover its starting offset.
type Committer interface {
	Commit(ctx context.Context, stagingTable string) error
	MaxOffset(ctx context.Context, topic string, partition int32) (offset int64, found bool, err error)
}

// Staging is the subset of staging.Store a worker drives directly.
type Staging interface {
	TableName() string
	Create(ctx context.Context) error
	Insert(ctx context.Context, records []model.LogRecord) error
	Clear(ctx context.Context) error
	Drop(ctx context.Context) error
}

// Worker owns one assigned partition end to end: inbox drain, staging
// insert, flush-trigger evaluation, and commit-with-retry.
type Worker struct {
	partition int32
	topic     string

	inbox      chan model.PartitionMessage
	forceFlush chan chan bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	staging   Staging
	iceberg   Committer
	cfg       *config.Config
	logger    *zap.Logger
	sizeFn    func([]model.LogRecord) int64

	offsetCommitted func(partition int32, offset int64)

	state atomic.Int32

	mu              sync.Mutex
	pendingOffset   int64
	committedOffset int64
	pendingBytes    int64
	pendingRecords  int
	lastCommit      time.Time
}

// New constructs a worker for partition in the NEW state. Call
// Start to launch its goroutine.
func New(topic string, partition int32, staging Staging, iceberg Committer, cfg *config.Config, logger *zap.Logger, sizeFn func([]model.LogRecord) int64, offsetCommitted func(int32, int64)) *Worker {
	w := &Worker{
		topic:           topic,
		partition:       partition,
		inbox:           make(chan model.PartitionMessage, cfg.PartitionInbox),
		forceFlush:      make(chan chan bool),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		staging:         staging,
		iceberg:         iceberg,
		cfg:             cfg,
		logger:          logger.With(zap.Int32("partition", partition)),
		sizeFn:          sizeFn,
		offsetCommitted: offsetCommitted,
		committedOffset: -1,
	}
	w.state.Store(int32(StateNew))
	return w
}

// Partition returns this worker's assigned partition.
func (w *Worker) Partition() int32 { return w.partition }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// RecoverMaxOffset queries Iceberg for the highest persisted offset on this
// worker's partition and seeds committedOffset accordingly. It returns the
// offset the consumer should seek to (recovered+1), or -1 if nothing has
// been persisted yet (no seek needed beyond the consumer group default).
func (w *Worker) RecoverMaxOffset(ctx context.Context) (seekTo int64, err error) {
	offset, found, err := w.iceberg.MaxOffset(ctx, w.topic, w.partition)
	if err != nil {
		return -1, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !found {
		w.committedOffset = -1
		w.pendingOffset = -1
		return -1, nil
	}
	w.committedOffset = offset
	w.pendingOffset = offset
	return offset + 1, nil
}

// Start creates the staging table and launches the worker's loop goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.staging.Create(ctx); err != nil {
		return err
	}
	w.state.Store(int32(StateRunning))
	w.mu.Lock()
	w.lastCommit = time.Now()
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// Enqueue routes a polled-and-transformed message to this worker. It blocks
// if the inbox is full, per the no-silent-drop resource bound.
func (w *Worker) Enqueue(ctx context.Context, msg model.PartitionMessage) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalStop requests a graceful stop: the run loop will perform one final
// flush attempt if the buffer is non-empty, then exit.
func (w *Worker) SignalStop() {
	w.state.Store(int32(StateStopping))
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// WaitForStop blocks until the worker's goroutine has exited or ctx expires.
func (w *Worker) WaitForStop(ctx context.Context) error {
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceFlush asks the worker to drain its inbox and commit immediately,
// blocking until that attempt completes or ctx expires.
func (w *Worker) ForceFlush(ctx context.Context) (bool, error) {
	result := make(chan bool, 1)
	select {
	case w.forceFlush <- result:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-w.doneCh:
		return false, fmt.Errorf("worker for partition %d already stopped", w.partition)
	}
	select {
	case ok := <-result:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.doneCh)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.inbox:
			w.absorb(ctx, msg)
			w.maybeFlush(ctx, false)

		case <-ticker.C:
			w.maybeFlush(ctx, false)

		case result := <-w.forceFlush:
			w.drainInbox(ctx)
			ok := w.commitWithRetry(ctx)
			result <- ok

		case <-w.stopCh:
			w.drainInbox(ctx)
			w.mu.Lock()
			empty := w.pendingRecords == 0
			w.mu.Unlock()
			if !empty {
				w.commitWithRetry(ctx)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// drainInbox absorbs any messages already queued without blocking, used
// before a forced or final flush so it captures everything available right
// now rather than racing the next inbox send.
func (w *Worker) drainInbox(ctx context.Context) {
	for {
		select {
		case msg := <-w.inbox:
			w.absorb(ctx, msg)
		default:
			return
		}
	}
}

func (w *Worker) absorb(ctx context.Context, msg model.PartitionMessage) {
	if len(msg.Records) == 0 {
		return
	}
	if err := w.staging.Insert(ctx, msg.Records); err != nil {
		w.logger.Error("staging insert failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	if msg.MaxOffset > w.pendingOffset {
		w.pendingOffset = msg.MaxOffset
	}
	w.pendingBytes += w.sizeFn(msg.Records)
	w.pendingRecords += len(msg.Records)
	bytes, records := w.pendingBytes, w.pendingRecords
	w.mu.Unlock()

	partitionLabel := partitionLabel(w.partition)
	metrics.RecordsTotal.WithLabelValues(w.topic).Add(float64(len(msg.Records)))
	metrics.BufferBytes.WithLabelValues(partitionLabel).Set(float64(bytes))
	metrics.BufferRecords.WithLabelValues(partitionLabel).Set(float64(records))
}

func (w *Worker) maybeFlush(ctx context.Context, forced bool) {
	w.mu.Lock()
	empty := w.pendingRecords == 0
	sizeHit := w.pendingBytes >= w.cfg.BufferSizeBytes()
	timeHit := !empty && time.Since(w.lastCommit) >= w.cfg.BufferTime()
	w.mu.Unlock()

	if empty {
		return
	}
	if forced || sizeHit || timeHit {
		w.commitWithRetry(ctx)
	}
}

// commitWithRetry attempts the Iceberg commit, retrying retryable failures
// with full exponential backoff plus 0-50% jitter up to IcebergCommitRetries
// attempts. It returns whether the buffer was successfully flushed.
func (w *Worker) commitWithRetry(ctx context.Context) bool {
	w.mu.Lock()
	if w.pendingRecords == 0 {
		w.mu.Unlock()
		return true
	}
	tableName := w.staging.TableName()
	w.mu.Unlock()

	partitionLabel := partitionLabel(w.partition)
	var lastErr error
	for attempt := 0; attempt < w.cfg.IcebergCommitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt-1, w.cfg.RetryBase(), w.cfg.RetryMax())):
			case <-ctx.Done():
				return false
			}
		}

		start := time.Now()
		err := w.iceberg.Commit(ctx, tableName)
		metrics.CommitLatencySeconds.WithLabelValues(partitionLabel).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.CommitsTotal.WithLabelValues(partitionLabel, "success").Inc()
			w.onCommitSuccess(ctx)
			return true
		}
		lastErr = err
		if !apperrors.Retryable(err) {
			metrics.CommitsTotal.WithLabelValues(partitionLabel, "fatal").Inc()
			break
		}
		metrics.CommitsTotal.WithLabelValues(partitionLabel, "conflict").Inc()
		w.logger.Warn("commit failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}

	w.logger.Error("commit exhausted retries or hit a fatal error", zap.Error(lastErr))
	if w.cfg.IcebergFatalPolicy == config.FatalPolicyHalt {
		w.SignalStop()
	}
	return false
}

func (w *Worker) onCommitSuccess(ctx context.Context) {
	if err := w.staging.Clear(ctx); err != nil {
		w.logger.Error("staging clear failed after commit", zap.Error(err))
	}

	w.mu.Lock()
	w.committedOffset = w.pendingOffset
	committed := w.committedOffset
	w.pendingBytes = 0
	w.pendingRecords = 0
	w.lastCommit = time.Now()
	w.mu.Unlock()

	partitionLabel := partitionLabel(w.partition)
	metrics.BufferBytes.WithLabelValues(partitionLabel).Set(0)
	metrics.BufferRecords.WithLabelValues(partitionLabel).Set(0)
	metrics.CommittedOffset.WithLabelValues(partitionLabel).Set(float64(committed))

	if w.offsetCommitted != nil {
		w.offsetCommitted(w.partition, committed)
	}
}

// Teardown drops the staging table. Called by the coordinator after
// WaitForStop returns.
func (w *Worker) Teardown(ctx context.Context) error {
	return w.staging.Drop(ctx)
}

func partitionLabel(partition int32) string { return strconv.FormatInt(int64(partition), 10) }

// backoff computes min(base*2^attempt, cap) plus uniform(0, that/2).
func backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d/2) + 1))
	return d + jitter
}

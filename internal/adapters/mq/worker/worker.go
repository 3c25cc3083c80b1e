package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

const (
	defaultInterval     = 2 * time.Second
	defaultBatchSize    = 500
	defaultFinalTimeout = 10 * time.Second
)

// Update is what the worker reads off the queue.
type Update = model.ScoreUpdate

// Source is the consumer side of the ingestion queue.
type Source interface {
	TryDequeueAll(ctx context.Context) []Update
}

// Applier writes a chunk of updates to the durable store.
type Applier interface {
	ApplyUpdates(ctx context.Context, updates []Update) (int, error)
}

// AfterApplyFunc observes chunks that were written successfully.
type AfterApplyFunc func(ctx context.Context, applied []Update)

// Worker is the lifecycle contract of background loops.
type Worker interface {
	// Run blocks until ctx is canceled or Shutdown is called.
	Run(ctx context.Context)

	// Shutdown stops the loop and waits for the final drain.
	Shutdown(ctx context.Context) error
}

// DrainWorker periodically moves buffered updates into the store in chunks.
type DrainWorker struct {
	source  Source
	applier Applier
	name    string

	interval     time.Duration
	batchSize    int
	finalTimeout time.Duration
	afterApply   AfterApplyFunc

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewDrainWorker creates a drain worker reading from source and writing to applier.
func NewDrainWorker(source Source, applier Applier, opts ...Option) *DrainWorker {
	w := &DrainWorker{
		source:       source,
		applier:      applier,
		name:         "drain",
		interval:     defaultInterval,
		batchSize:    defaultBatchSize,
		finalTimeout: defaultFinalTimeout,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named("worker")
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run ticks until ctx ends or Shutdown is called, then drains once more on a
// fresh context bounded by the final drain timeout.
func (w *DrainWorker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalDrain()
			return
		case <-w.shutdown:
			w.finalDrain()
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// Shutdown signals the loop and waits for it to finish.
func (w *DrainWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *DrainWorker) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.finalTimeout)
	defer cancel()

	total := 0
	for ctx.Err() == nil {
		n := w.DrainOnce(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	w.logger.Info(ctx, "final drain complete", logger.Int("drained", total))
}

// DrainOnce takes everything currently buffered and applies it chunk by chunk.
// It returns how many updates were taken off the queue.
func (w *DrainWorker) DrainOnce(ctx context.Context) int {
	updates := w.source.TryDequeueAll(ctx)
	if len(updates) == 0 {
		return 0
	}
	for start := 0; start < len(updates); start += w.batchSize {
		end := min(start+w.batchSize, len(updates))
		w.applyChunk(ctx, updates[start:end])
	}
	return len(updates)
}

func (w *DrainWorker) applyChunk(ctx context.Context, chunk []Update) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordBatchError()
			w.logger.Error(ctx, "panic while applying chunk",
				logger.Int("size", len(chunk)),
				logger.Any("panic", r),
			)
		}
	}()

	applied, err := w.applier.ApplyUpdates(ctx, chunk)
	metrics.RecordBatch(len(chunk), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordBatchError()
		w.logger.Error(ctx, "failed to apply chunk",
			logger.Int("size", len(chunk)),
			logger.Error(err),
		)
		return
	}
	metrics.RecordUpdatesApplied(applied)
	w.logger.Debug(ctx, "chunk applied",
		logger.Int("size", len(chunk)),
		logger.Int("applied", applied),
		logger.Duration("took", time.Since(start)),
	)
	if w.afterApply != nil {
		w.afterApply(ctx, chunk)
	}
}

// Package worker drains the ingestion queue into the durable ranking store.
package worker

import (
	"time"

	"github.com/okian/rankd/pkg/logger"
)

// Option applies a configuration option to the DrainWorker.
type Option func(*DrainWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *DrainWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *DrainWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithInterval sets the drain tick.
func WithInterval(d time.Duration) Option {
	return func(w *DrainWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize sets the chunk size handed to the store.
func WithBatchSize(n int) Option {
	return func(w *DrainWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFinalDrainTimeout bounds the drain performed while stopping.
func WithFinalDrainTimeout(d time.Duration) Option {
	return func(w *DrainWorker) {
		if d > 0 {
			w.finalTimeout = d
		}
	}
}

// WithAfterApply registers a hook called with every successfully applied chunk.
func WithAfterApply(fn AfterApplyFunc) Option {
	return func(w *DrainWorker) {
		w.afterApply = fn
	}
}

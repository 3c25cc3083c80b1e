package repository

import (
	"time"

	"github.com/okian/rankd/pkg/logger"
)

type options struct {
	clock  func() time.Time
	logger logger.Logger
}

// Option configures a store.
type Option func(*options)

// WithClock sets the time source used for interval identifiers.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(name string, opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get()
	}
	o.logger = o.logger.Named(name)
	return o
}

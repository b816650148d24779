// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"runtime"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultFreeListLimit is the default per-processor cache size for
// completed fiber contexts.
const defaultFreeListLimit = 64

// options holds configuration options for Scheduler creation.
type options struct {
	processors    int
	logger        *logiface.Logger[logiface.Event]
	freeListLimit int
	pollWarnRates map[time.Duration]int
}

// --- Scheduler Options ---

// Option configures a Scheduler instance.
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithProcessors sets the number of logical processors, which is the
// scheduler's maximum parallelism. Worker threads are created on demand
// and can outnumber processors while fibers block in syscalls.
// Defaults to runtime.NumCPU.
func WithProcessors(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return ErrInvalidProcessorCount
		}
		opts.processors = n
		return nil
	}}
}

// WithLogger sets the logger for scheduler diagnostics. A nil logger, the
// default, disables logging entirely.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithFreeListLimit caps the per-processor cache of completed fiber
// contexts. Larger values make spawn cheaper under churn at the cost of
// retained idle goroutines.
func WithFreeListLimit(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return ErrInvalidFreeListLimit
		}
		opts.freeListLimit = n
		return nil
	}}
}

// WithPollWarnRates replaces the rate limits applied to poller warning
// logs: a map of window duration to maximum log occurrences per window.
// Poller failures are recoverable and can recur at socket-event frequency,
// hence the limiting. Rates must satisfy catrate.NewLimiter.
func WithPollWarnRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) error {
		if len(rates) == 0 {
			return ErrInvalidPollWarnRates
		}
		m := make(map[time.Duration]int, len(rates))
		for k, v := range rates {
			if k <= 0 || v <= 0 {
				return ErrInvalidPollWarnRates
			}
			m[k] = v
		}
		opts.pollWarnRates = m
		return nil
	}}
}

// newWarnLimiter builds the warning rate limiter, converting the panic
// catrate.NewLimiter raises on non-monotonic rates into an error.
func newWarnLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if recover() != nil {
			err = ErrInvalidPollWarnRates
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		processors:    runtime.NumCPU(),
		freeListLimit: defaultFreeListLimit,
		pollWarnRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
